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
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/wsgateway/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// GatewayParams parameters for defining a ConnectionGateway
type GatewayParams struct {
	// MaxConnections global connection admission bound
	MaxConnections int `validate:"gte=1"`
	// MessageTypeRoles initial message type role table
	MessageTypeRoles map[string]string
	// ChannelRolePrefixes initial channel prefix role table
	ChannelRolePrefixes map[string]string
	// LimiterMode rate limiter operating mode
	LimiterMode LimiterMode `validate:"required,oneof=production development testing"`
	// LimiterBypass whether rate limit checks start bypassed (non-production only)
	LimiterBypass bool
	// GatewayLimits rate limit thresholds for gateway traffic
	GatewayLimits RouterLimits
}

// ConnectionGateway composition root of the connection gateway. The transport
// layer drives it through the connect, disconnect, and handle-message entry
// points.
type ConnectionGateway interface {
	// Connect admit a new authenticated connection
	Connect(ctxt context.Context, userID, role string, writer SessionWriter) (*Connection, error)
	// Disconnect remove a connection from the registry and every channel
	Disconnect(connID string)
	// HandleMessage process one inbound frame from a connection
	HandleMessage(ctxt context.Context, conn *Connection, raw []byte)
	// ReapIdleConnections force-disconnect connections idle past the deadline,
	// returning the number reaped
	ReapIdleConnections(maxIdle time.Duration, now time.Time) int
	// Stats snapshot the gateway-wide counters
	Stats() GlobalStats
	// Policy access the runtime replaceable access policy
	Policy() AccessPolicy
	// Limiter access the rate limiter
	Limiter() RateLimiter
	// Start begin the relay ingress event loop
	Start(wg *sync.WaitGroup) error
	// Stop end gateway operation
	Stop() error
}

// connectionGatewayImpl implements ConnectionGateway
type connectionGatewayImpl struct {
	common.Component
	registry ConnectionRegistry
	channels ChannelIndex
	policy   AccessPolicy
	limiter  RateLimiter
	router   MessageRouter
	relay    BroadcastRelay
	tp       common.TaskProcessor
}

// relayDeliveryTask task param carrying one envelope from another node
type relayDeliveryTask struct {
	envelope RelayEnvelope
}

// GetConnectionGateway define a new ConnectionGateway and its components
func GetConnectionGateway(
	ctxt context.Context, params GatewayParams, relay BroadcastRelay,
) (ConnectionGateway, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "gateway",
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway params")
		return nil, err
	}

	channels, err := GetChannelIndex()
	if err != nil {
		return nil, err
	}
	registry, err := GetConnectionRegistry(params.MaxConnections, channels)
	if err != nil {
		return nil, err
	}
	policy, err := GetAccessPolicy(params.MessageTypeRoles, params.ChannelRolePrefixes)
	if err != nil {
		return nil, err
	}
	limiter, err := GetRateLimiter(params.LimiterMode)
	if err != nil {
		return nil, err
	}
	limiter.SetBypass(params.LimiterBypass)
	router, err := GetMessageRouter(
		registry, channels, policy, limiter, relay, params.GatewayLimits,
	)
	if err != nil {
		return nil, err
	}
	tp, err := common.GetNewTaskProcessorInstance("gateway-relay", 64, ctxt)
	if err != nil {
		return nil, err
	}

	instance := &connectionGatewayImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		channels:  channels,
		policy:    policy,
		limiter:   limiter,
		router:    router,
		relay:     relay,
		tp:        tp,
	}

	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(relayDeliveryTask{}), instance.processRelayDelivery,
	); err != nil {
		return nil, err
	}

	return instance, nil
}

// Connect admit a new authenticated connection
func (g *connectionGatewayImpl) Connect(
	ctxt context.Context, userID, role string, writer SessionWriter,
) (*Connection, error) {
	return g.registry.Admit(userID, role, writer, time.Now())
}

// Disconnect remove a connection from the registry and every channel
func (g *connectionGatewayImpl) Disconnect(connID string) {
	g.registry.Remove(connID)
}

// HandleMessage process one inbound frame from a connection
func (g *connectionGatewayImpl) HandleMessage(
	ctxt context.Context, conn *Connection, raw []byte,
) {
	g.router.RouteMessage(ctxt, conn, raw)
}

// ReapIdleConnections force-disconnect connections idle past the deadline
func (g *connectionGatewayImpl) ReapIdleConnections(maxIdle time.Duration, now time.Time) int {
	idle := g.registry.IdleConnections(maxIdle, now)
	for _, conn := range idle {
		log.WithFields(g.LogTags).Infof(
			"Reaping idle connection %s of user %s", conn.ID, conn.UserID,
		)
		g.registry.Remove(conn.ID)
		if err := conn.CloseTransport(); err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Unable to close transport of idle connection %s", conn.ID,
			)
		}
	}
	return len(idle)
}

// Stats snapshot the gateway-wide counters
func (g *connectionGatewayImpl) Stats() GlobalStats {
	return g.registry.Stats()
}

// Policy access the runtime replaceable access policy
func (g *connectionGatewayImpl) Policy() AccessPolicy {
	return g.policy
}

// Limiter access the rate limiter
func (g *connectionGatewayImpl) Limiter() RateLimiter {
	return g.limiter
}

// Start begin the relay ingress event loop
func (g *connectionGatewayImpl) Start(wg *sync.WaitGroup) error {
	if err := g.tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Failed to start relay event loop")
		return err
	}
	return g.relay.Start(func(envelope RelayEnvelope) {
		if err := g.tp.Submit(relayDeliveryTask{envelope: envelope}, context.Background()); err != nil {
			log.WithError(err).WithFields(g.LogTags).Error("Unable to submit relay delivery")
		}
	})
}

// processRelayDelivery support task processor, deliver one relayed envelope
func (g *connectionGatewayImpl) processRelayDelivery(param interface{}) error {
	task, ok := param.(relayDeliveryTask)
	if !ok {
		return nil
	}
	switch task.envelope.Scope {
	case relayScopeBroadcast:
		g.router.DeliverBroadcast(task.envelope.Channel, task.envelope.Message)
	case relayScopeDirect:
		g.router.DeliverDirect(task.envelope.TargetUser, task.envelope.Message)
	}
	return nil
}

// Stop end gateway operation
func (g *connectionGatewayImpl) Stop() error {
	if err := g.relay.Stop(); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Failed to stop relay")
	}
	return g.tp.StopEventLoop()
}
