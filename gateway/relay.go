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
	"sync"

	"github.com/alwitt/wsgateway/common"
	"github.com/alwitt/wsgateway/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// Relay envelope scopes
const (
	relayScopeBroadcast = "broadcast"
	relayScopeDirect    = "direct"
)

// RelayEnvelope a message relayed between gateway nodes
type RelayEnvelope struct {
	// Origin is the name of the node the message entered the fleet on
	Origin string `json:"origin" validate:"required"`
	// Scope is either broadcast or direct
	Scope string `json:"scope" validate:"required,oneof=broadcast direct"`
	// Channel is the target channel of a broadcast
	Channel string `json:"channel,omitempty"`
	// TargetUser is the target user ID of a direct message
	TargetUser string `json:"target_user,omitempty"`
	// Message is the payload to deliver
	Message Message `json:"message" validate:"required,dive"`
}

// RelayHandler callback processing an envelope arriving from another node
type RelayHandler func(envelope RelayEnvelope)

// BroadcastRelay carries broadcast and direct messages between gateway nodes,
// so subscribers reach every relevant socket regardless of which node holds it
type BroadcastRelay interface {
	// PublishBroadcast relay a channel broadcast to the fleet
	PublishBroadcast(ctxt context.Context, channel string, msg Message) error
	// PublishDirect relay a direct message to the fleet
	PublishDirect(ctxt context.Context, targetUser string, msg Message) error
	// Start begin receiving envelopes from other nodes
	Start(handler RelayHandler) error
	// Stop end relay operation
	Stop() error
}

// ==============================================================================

// natsBroadcastRelay implements BroadcastRelay over one NATS subject
type natsBroadcastRelay struct {
	common.Component
	client   core.NatsClient
	origin   string
	subject  string
	lock     sync.Mutex
	sub      *nats.Subscription
	validate *validator.Validate
}

// GetNATSBroadcastRelay define a NATS backed BroadcastRelay
func GetNATSBroadcastRelay(
	client core.NatsClient, subjectPrefix, origin string,
) (BroadcastRelay, error) {
	logTags := log.Fields{
		"module":    "gateway",
		"component": "broadcast-relay",
		"instance":  origin,
	}
	return &natsBroadcastRelay{
		Component: common.Component{LogTags: logTags},
		client:    client,
		origin:    origin,
		subject:   fmt.Sprintf("%s.relay", subjectPrefix),
		validate:  validator.New(),
	}, nil
}

func (r *natsBroadcastRelay) publish(envelope RelayEnvelope) error {
	serialized, err := json.Marshal(&envelope)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to serialize relay envelope")
		return err
	}
	return r.client.NATs().Publish(r.subject, serialized)
}

// PublishBroadcast relay a channel broadcast to the fleet
func (r *natsBroadcastRelay) PublishBroadcast(
	ctxt context.Context, channel string, msg Message,
) error {
	return r.publish(RelayEnvelope{
		Origin: r.origin, Scope: relayScopeBroadcast, Channel: channel, Message: msg,
	})
}

// PublishDirect relay a direct message to the fleet
func (r *natsBroadcastRelay) PublishDirect(
	ctxt context.Context, targetUser string, msg Message,
) error {
	return r.publish(RelayEnvelope{
		Origin: r.origin, Scope: relayScopeDirect, TargetUser: targetUser, Message: msg,
	})
}

// Start begin receiving envelopes from other nodes
func (r *natsBroadcastRelay) Start(handler RelayHandler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sub != nil {
		return fmt.Errorf("relay already started")
	}
	sub, err := r.client.NATs().Subscribe(r.subject, func(m *nats.Msg) {
		var envelope RelayEnvelope
		if err := json.Unmarshal(m.Data, &envelope); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Unable to parse relay envelope")
			return
		}
		if err := r.validate.Struct(&envelope); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Invalid relay envelope")
			return
		}
		// A node's own envelopes were already delivered locally
		if envelope.Origin == r.origin {
			return
		}
		handler(envelope)
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to subscribe on %s", r.subject,
		)
		return err
	}
	r.sub = sub
	log.WithFields(r.LogTags).Infof("Relay listening on %s", r.subject)
	return nil
}

// Stop end relay operation
func (r *natsBroadcastRelay) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	return err
}

// ==============================================================================

// disabledBroadcastRelay BroadcastRelay stand-in for single node deployments
type disabledBroadcastRelay struct{}

// GetDisabledBroadcastRelay define a BroadcastRelay which relays nothing
func GetDisabledBroadcastRelay() (BroadcastRelay, error) {
	return &disabledBroadcastRelay{}, nil
}

func (r *disabledBroadcastRelay) PublishBroadcast(
	ctxt context.Context, channel string, msg Message,
) error {
	return nil
}

func (r *disabledBroadcastRelay) PublishDirect(
	ctxt context.Context, targetUser string, msg Message,
) error {
	return nil
}

func (r *disabledBroadcastRelay) Start(handler RelayHandler) error {
	return nil
}

func (r *disabledBroadcastRelay) Stop() error {
	return nil
}
