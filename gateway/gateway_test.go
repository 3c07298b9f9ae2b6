package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func defineTestGateway(t *testing.T, params GatewayParams) ConnectionGateway {
	assert := assert.New(t)
	relay, err := GetDisabledBroadcastRelay()
	assert.Nil(err)
	uut, err := GetConnectionGateway(context.Background(), params, relay)
	assert.Nil(err)
	return uut
}

func TestConnectionGatewayLifecycle(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineTestGateway(t, GatewayParams{
		MaxConnections: 2,
		LimiterMode:    ModeTesting,
		GatewayLimits:  RouterLimits{MaxRequests: 100, Window: time.Minute},
	})

	// Case 0: invalid params are rejected up front
	{
		relay, err := GetDisabledBroadcastRelay()
		assert.Nil(err)
		_, err = GetConnectionGateway(utCtxt, GatewayParams{
			MaxConnections: 0,
			LimiterMode:    ModeTesting,
			GatewayLimits:  RouterLimits{MaxRequests: 100, Window: time.Minute},
		}, relay)
		assert.NotNil(err)
	}

	// Case 1: connect, exchange traffic, disconnect
	{
		writer := &mockSessionWriter{}
		conn, err := uut.Connect(utCtxt, "alice", "member", writer)
		assert.Nil(err)
		uut.HandleMessage(utCtxt, conn, []byte(`{"type":"ping"}`))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypePong, msgs[0].Type)
		uut.Disconnect(conn.ID)
		assert.Equal(0, uut.Stats().ActiveConnections)
	}

	// Case 2: capacity rejections show up in the stats
	{
		_, err := uut.Connect(utCtxt, "alice", "member", &mockSessionWriter{})
		assert.Nil(err)
		_, err = uut.Connect(utCtxt, "bob", "member", &mockSessionWriter{})
		assert.Nil(err)
		_, err = uut.Connect(utCtxt, "carol", "member", &mockSessionWriter{})
		assert.ErrorIs(err, ErrCapacityExceeded)
		stats := uut.Stats()
		assert.Equal(2, stats.ActiveConnections)
		assert.Equal(uint64(1), stats.ConnectionsRejected)
	}
}

func TestConnectionGatewayRelayIngress(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineTestGateway(t, GatewayParams{
		MaxConnections: 4,
		LimiterMode:    ModeTesting,
		GatewayLimits:  RouterLimits{MaxRequests: 100, Window: time.Minute},
	})
	uutc := uut.(*connectionGatewayImpl)

	writer := &mockSessionWriter{}
	conn, err := uut.Connect(utCtxt, "alice", "member", writer)
	assert.Nil(err)
	uut.HandleMessage(utCtxt, conn, []byte(`{"type":"subscribe","channels":["general"]}`))
	writer.reset()

	// Case 0: relayed broadcast lands on local subscribers
	{
		assert.Nil(uutc.processRelayDelivery(relayDeliveryTask{
			envelope: RelayEnvelope{
				Origin:  "other-node",
				Scope:   relayScopeBroadcast,
				Channel: "general",
				Message: Message{
					Type: MsgTypeBroadcast, Channel: "general", FromUser: "remote-user",
				},
			},
		}))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal("remote-user", msgs[0].FromUser)
		writer.reset()
	}

	// Case 1: relayed direct message lands on the target's local connections
	{
		assert.Nil(uutc.processRelayDelivery(relayDeliveryTask{
			envelope: RelayEnvelope{
				Origin:     "other-node",
				Scope:      relayScopeDirect,
				TargetUser: "alice",
				Message: Message{
					Type: MsgTypeUserMessage, TargetUser: "alice", FromUser: "remote-user",
				},
			},
		}))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeUserMessage, msgs[0].Type)
		writer.reset()
	}

	// Case 2: relayed message for an unknown target goes nowhere
	{
		assert.Nil(uutc.processRelayDelivery(relayDeliveryTask{
			envelope: RelayEnvelope{
				Origin:     "other-node",
				Scope:      relayScopeDirect,
				TargetUser: "nobody",
				Message:    Message{Type: MsgTypeUserMessage, TargetUser: "nobody"},
			},
		}))
		assert.Empty(writer.messages())
	}
}

func TestConnectionGatewayIdleReaping(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineTestGateway(t, GatewayParams{
		MaxConnections: 4,
		LimiterMode:    ModeTesting,
		GatewayLimits:  RouterLimits{MaxRequests: 100, Window: time.Minute},
	})

	activeWriter := &mockSessionWriter{}
	active, err := uut.Connect(utCtxt, "alice", "member", activeWriter)
	assert.Nil(err)
	idleWriter := &mockSessionWriter{}
	_, err = uut.Connect(utCtxt, "bob", "member", idleWriter)
	assert.Nil(err)

	// Case 0: connections within the idle allowance stay up
	{
		later := time.Now().Add(time.Minute * 5)
		uut.HandleMessage(utCtxt, active, []byte(`{"type":"ping"}`))
		reaped := uut.ReapIdleConnections(time.Minute*10, later)
		assert.Equal(0, reaped)
		assert.Equal(2, uut.Stats().ActiveConnections)
	}

	// Case 1: connections idle past the deadline are closed and removed
	{
		later := time.Now().Add(time.Minute * 5)
		reaped := uut.ReapIdleConnections(time.Minute*2, later)
		assert.Equal(2, reaped)
		assert.Equal(0, uut.Stats().ActiveConnections)
		assert.True(idleWriter.closed)
	}
}
