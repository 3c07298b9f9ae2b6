// Copyright 2022 The wsgateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"time"
)

// Standard inbound message types
const (
	// MsgTypePing heartbeat request
	MsgTypePing = "ping"
	// MsgTypePong heartbeat acknowledgment
	MsgTypePong = "pong"
	// MsgTypeSubscribe request to join one or more channels
	MsgTypeSubscribe = "subscribe"
	// MsgTypeUnsubscribe request to leave one or more channels
	MsgTypeUnsubscribe = "unsubscribe"
	// MsgTypeBroadcast fan a payload out to a channel's subscribers
	MsgTypeBroadcast = "broadcast"
	// MsgTypeUserMessage send a payload directly to one user's connections
	MsgTypeUserMessage = "user_message"
	// MsgTypeError outbound structured error frame
	MsgTypeError = "error"
	// MsgTypeSubscribeAck outbound confirmation listing accepted channels
	MsgTypeSubscribeAck = "subscribe_ack"
)

// Message structured payload exchanged with a gateway client.
//
// Inbound frames carry Type plus the fields that type needs. Outbound frames
// reuse the same envelope; Error is only set on MsgTypeError frames.
type Message struct {
	// Type identifies the message operation
	Type string `json:"type" validate:"required"`
	// Channels names the channels a subscribe / unsubscribe / broadcast applies to
	Channels []string `json:"channels,omitempty"`
	// Channel names the channel an outbound broadcast delivery came from
	Channel string `json:"channel,omitempty"`
	// TargetUser is the destination user ID of a user_message
	TargetUser string `json:"target_user,omitempty"`
	// FromUser is the sending user ID on broadcast and user_message deliveries
	FromUser string `json:"from_user,omitempty"`
	// Data is the application payload; the gateway only routes it
	Data map[string]interface{} `json:"data,omitempty"`
	// Error is the human-readable reason on error frames
	Error string `json:"error,omitempty"`
}

// ErrorMessage build a structured error frame
func ErrorMessage(reason string) Message {
	return Message{Type: MsgTypeError, Error: reason}
}

// ==============================================================================
// Failure taxonomy

// Sentinel errors for the gateway failure taxonomy. Each failure surfaces to the
// client as a structured error frame; only ErrCapacityExceeded ends the session.
var (
	// ErrCapacityExceeded connect-time admission rejection
	ErrCapacityExceeded = fmt.Errorf("gateway at capacity")
	// ErrNotAuthorized role insufficient for a message type or channel
	ErrNotAuthorized = fmt.Errorf("Forbidden")
	// ErrRateLimited too many operations within the current window
	ErrRateLimited = fmt.Errorf("Rate limit exceeded")
	// ErrMalformedMessage undecodable or incomplete inbound frame
	ErrMalformedMessage = fmt.Errorf("malformed message")
	// ErrUnknownConnection operation referenced a connection not in the registry
	ErrUnknownConnection = fmt.Errorf("unknown connection")
)

// ==============================================================================

// GlobalStats gateway-wide counters
type GlobalStats struct {
	// ActiveConnections number of connections currently admitted
	ActiveConnections int `json:"active_connections"`
	// ConnectionsRejected number of connect attempts refused at the capacity bound
	ConnectionsRejected uint64 `json:"connections_rejected"`
	// MessagesRouted number of inbound messages successfully dispatched
	MessagesRouted uint64 `json:"messages_routed"`
}

// SessionWriter transport side of one live connection.
//
// The API layer implements this around its websocket write pump. SendMessage
// must be safe for concurrent use; Close tears the underlying transport down.
type SessionWriter interface {
	SendMessage(msg Message) error
	Close() error
}

// Connection one live gateway session.
//
// UserID and Role are supplied by the upstream authentication step at connect
// time and never change for the connection's lifetime.
type Connection struct {
	// ID opaque unique identifier assigned at admission
	ID string
	// UserID identity of the authenticated caller
	UserID string
	// Role access role of the authenticated caller
	Role string
	// ConnectedAt admission timestamp
	ConnectedAt time.Time

	writer SessionWriter
}

// Send write a message to the connection's transport
func (c *Connection) Send(msg Message) error {
	return c.writer.SendMessage(msg)
}

// CloseTransport force-close the connection's transport
func (c *Connection) CloseTransport() error {
	return c.writer.Close()
}
