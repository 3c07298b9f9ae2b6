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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/wsgateway/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// RouterLimits rate limit thresholds the router applies to gateway traffic
type RouterLimits struct {
	// MaxRequests max messages per identifier within one window
	MaxRequests int `validate:"gte=1"`
	// Window sliding window length
	Window time.Duration `validate:"gt=0"`
}

// MessageRouter top-level dispatcher for inbound gateway frames.
//
// Per frame the decision sequence is decode, message type authorization, rate
// limit check, dispatch; subscribe additionally checks each named channel
// during dispatch. Ping is never role gated. A failed step short-circuits the
// rest and answers with a structured error frame; no failure closes the
// connection.
type MessageRouter interface {
	// RouteMessage process one decoded-or-raw inbound frame for a connection
	RouteMessage(ctxt context.Context, conn *Connection, raw []byte)
	// DeliverBroadcast write a broadcast to the local subscribers of a channel
	DeliverBroadcast(channel string, msg Message)
	// DeliverDirect write a direct message to a user's local connections
	DeliverDirect(targetUser string, msg Message)
}

// messageRouterImpl implements MessageRouter
type messageRouterImpl struct {
	common.Component
	registry ConnectionRegistry
	channels ChannelIndex
	policy   AccessPolicy
	limiter  RateLimiter
	relay    BroadcastRelay
	limits   RouterLimits
	validate *validator.Validate
}

// GetMessageRouter define a new MessageRouter
func GetMessageRouter(
	registry ConnectionRegistry,
	channels ChannelIndex,
	policy AccessPolicy,
	limiter RateLimiter,
	relay BroadcastRelay,
	limits RouterLimits,
) (MessageRouter, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "message-router",
	}
	instance := &messageRouterImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		channels:  channels,
		policy:    policy,
		limiter:   limiter,
		relay:     relay,
		limits:    limits,
		validate:  validator.New(),
	}
	if err := instance.validate.Struct(&limits); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid router limits")
		return nil, err
	}
	return instance, nil
}

// sendError answer the originating connection with a structured error frame
func (m *messageRouterImpl) sendError(conn *Connection, reason string) {
	if err := conn.Send(ErrorMessage(reason)); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to send error frame to connection %s", conn.ID,
		)
	}
}

// RouteMessage process one inbound frame for a connection
func (m *messageRouterImpl) RouteMessage(ctxt context.Context, conn *Connection, raw []byte) {
	m.registry.TouchActivity(conn.ID, time.Now())

	// Decode
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(err).WithFields(m.LogTags).Debugf(
			"Undecodable frame from connection %s", conn.ID,
		)
		m.sendError(conn, "malformed message")
		return
	}
	if err := m.validate.Struct(&msg); err != nil {
		m.sendError(conn, "malformed message: missing type")
		return
	}

	// Message type authorization. Heartbeats are exempt so a role table entry
	// can never silence them.
	if msg.Type != MsgTypePing {
		if required, ok := m.policy.RequiredRoleForMessageType(msg.Type); ok {
			if !m.policy.Authorize(conn.Role, required) {
				log.WithFields(m.LogTags).Infof(
					"Connection %s role %s denied message type %s", conn.ID, conn.Role, msg.Type,
				)
				m.sendError(conn, fmt.Sprintf("Forbidden: %s requires role %s", msg.Type, required))
				return
			}
		}
	}

	// Rate limit
	decision := m.limiter.CheckAndRecord(
		conn.UserID, SourceGateway, m.limits.MaxRequests, m.limits.Window,
	)
	if !decision.Allowed {
		m.sendError(conn, fmt.Sprintf(
			"Rate limit exceeded. Retry after %.0fs", decision.RetryAfter.Seconds(),
		))
		return
	}

	// Dispatch
	switch msg.Type {
	case MsgTypePing:
		m.handlePing(conn)
	case MsgTypeSubscribe:
		m.handleSubscribe(conn, msg)
	case MsgTypeUnsubscribe:
		m.handleUnsubscribe(conn, msg)
	case MsgTypeBroadcast:
		m.handleBroadcast(ctxt, conn, msg)
	case MsgTypeUserMessage:
		m.handleUserMessage(ctxt, conn, msg)
	default:
		m.sendError(conn, fmt.Sprintf("unknown message type '%s'", msg.Type))
	}
}

// handlePing answer a heartbeat
func (m *messageRouterImpl) handlePing(conn *Connection) {
	if err := conn.Send(Message{Type: MsgTypePong}); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to answer ping from connection %s", conn.ID,
		)
		return
	}
	m.registry.RecordMessageRouted()
}

// handleSubscribe join the requested channels. Channels failing the prefix role
// check are rejected individually; the remaining ones still go through.
func (m *messageRouterImpl) handleSubscribe(conn *Connection, msg Message) {
	if len(msg.Channels) == 0 {
		m.sendError(conn, "subscribe without channels")
		return
	}

	accepted := make([]string, 0, len(msg.Channels))
	for _, channel := range msg.Channels {
		if required, ok := m.policy.RequiredRoleForChannel(channel); ok {
			if !m.policy.Authorize(conn.Role, required) {
				m.sendError(conn, fmt.Sprintf(
					"channel %s requires role %s", channel, required,
				))
				continue
			}
		}
		m.channels.Subscribe(conn.ID, channel)
		accepted = append(accepted, channel)
	}

	if len(accepted) > 0 {
		if err := conn.Send(Message{Type: MsgTypeSubscribeAck, Channels: accepted}); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to confirm subscription for connection %s", conn.ID,
			)
		}
		m.registry.RecordMessageRouted()
	}
}

// handleUnsubscribe leave the requested channels. A connection may always leave
// any channel, including one it never joined.
func (m *messageRouterImpl) handleUnsubscribe(conn *Connection, msg Message) {
	for _, channel := range msg.Channels {
		m.channels.Unsubscribe(conn.ID, channel)
	}
	m.registry.RecordMessageRouted()
}

// handleBroadcast fan the payload out to the subscribers of each named channel
func (m *messageRouterImpl) handleBroadcast(ctxt context.Context, conn *Connection, msg Message) {
	if len(msg.Channels) == 0 {
		m.sendError(conn, "broadcast without channels")
		return
	}

	for _, channel := range msg.Channels {
		delivery := Message{
			Type:     MsgTypeBroadcast,
			Channel:  channel,
			FromUser: conn.UserID,
			Data:     msg.Data,
		}
		m.DeliverBroadcast(channel, delivery)
		if err := m.relay.PublishBroadcast(ctxt, channel, delivery); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to relay broadcast on %s", channel,
			)
		}
	}
	m.registry.RecordMessageRouted()
}

// handleUserMessage send the payload directly to the target user's connections.
// An absent target is an ordinary race (target disconnected), not an error.
func (m *messageRouterImpl) handleUserMessage(ctxt context.Context, conn *Connection, msg Message) {
	if msg.TargetUser == "" {
		m.sendError(conn, "user_message without target_user")
		return
	}

	delivery := Message{
		Type:       MsgTypeUserMessage,
		TargetUser: msg.TargetUser,
		FromUser:   conn.UserID,
		Data:       msg.Data,
	}
	m.DeliverDirect(msg.TargetUser, delivery)
	if err := m.relay.PublishDirect(ctxt, msg.TargetUser, delivery); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to relay user message for %s", msg.TargetUser,
		)
	}
	m.registry.RecordMessageRouted()
}

// DeliverBroadcast write a broadcast to the local subscribers of a channel
func (m *messageRouterImpl) DeliverBroadcast(channel string, msg Message) {
	for _, connID := range m.channels.MembersOf(channel) {
		conn, ok := m.registry.Get(connID)
		if !ok {
			// Member disconnected between snapshot and write
			continue
		}
		if err := conn.Send(msg); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to deliver broadcast on %s to connection %s", channel, connID,
			)
		}
	}
}

// DeliverDirect write a direct message to a user's local connections
func (m *messageRouterImpl) DeliverDirect(targetUser string, msg Message) {
	for _, conn := range m.registry.ConnectionsOfUser(targetUser) {
		if err := conn.Send(msg); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to deliver user message to connection %s", conn.ID,
			)
		}
	}
}
