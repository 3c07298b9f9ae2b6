package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// routerTestFixture everything a router test needs to drive traffic
type routerTestFixture struct {
	registry ConnectionRegistry
	channels ChannelIndex
	policy   AccessPolicy
	limiter  RateLimiter
	router   MessageRouter
}

func defineRouterTestFixture(
	t *testing.T,
	msgTypeRoles map[string]string,
	channelRolePrefixes map[string]string,
	limits RouterLimits,
) *routerTestFixture {
	assert := assert.New(t)
	channels, err := GetChannelIndex()
	assert.Nil(err)
	registry, err := GetConnectionRegistry(16, channels)
	assert.Nil(err)
	policy, err := GetAccessPolicy(msgTypeRoles, channelRolePrefixes)
	assert.Nil(err)
	limiter, err := GetRateLimiter(ModeProduction)
	assert.Nil(err)
	relay, err := GetDisabledBroadcastRelay()
	assert.Nil(err)
	router, err := GetMessageRouter(registry, channels, policy, limiter, relay, limits)
	assert.Nil(err)
	return &routerTestFixture{
		registry: registry,
		channels: channels,
		policy:   policy,
		limiter:  limiter,
		router:   router,
	}
}

func (f *routerTestFixture) connect(
	t *testing.T, userID, role string,
) (*Connection, *mockSessionWriter) {
	writer := &mockSessionWriter{}
	conn, err := f.registry.Admit(userID, role, writer, time.Now())
	assert.Nil(t, err)
	return conn, writer
}

var openLimits = RouterLimits{MaxRequests: 1000, Window: time.Minute}

func TestMessageRouterDecode(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineRouterTestFixture(t, nil, nil, openLimits)
	conn, writer := uut.connect(t, "alice", "member")

	// Case 0: undecodable frame
	{
		uut.router.RouteMessage(utCtxt, conn, []byte("not json"))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeError, msgs[0].Type)
		assert.Contains(msgs[0].Error, "malformed message")
		writer.reset()
	}

	// Case 1: frame without a type
	{
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"channels":["general"]}`))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeError, msgs[0].Type)
		assert.Contains(msgs[0].Error, "missing type")
		writer.reset()
	}

	// Case 2: unknown message type
	{
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"telepathy"}`))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeError, msgs[0].Type)
		assert.Contains(msgs[0].Error, "unknown message type 'telepathy'")
		writer.reset()
	}

	// Case 3: heartbeat
	{
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"ping"}`))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypePong, msgs[0].Type)
	}

	// A failed frame never ends the session
	assert.False(writer.closed)
	assert.Equal(uint64(1), uut.registry.Stats().MessagesRouted)
}

func TestMessageRouterSubscribeAuthorization(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineRouterTestFixture(
		t, nil, map[string]string{"admin": "admin"}, openLimits,
	)
	conn, writer := uut.connect(t, "alice", "student")

	// Case 0: restricted channel rejected, open channel still joined
	{
		uut.router.RouteMessage(
			utCtxt, conn, []byte(`{"type":"subscribe","channels":["general","admin_updates"]}`),
		)
		msgs := writer.messages()
		assert.Len(msgs, 2)
		assert.Equal(MsgTypeError, msgs[0].Type)
		assert.Contains(msgs[0].Error, "requires role")
		assert.Equal(MsgTypeSubscribeAck, msgs[1].Type)
		assert.Equal([]string{"general"}, msgs[1].Channels)
		assert.Equal([]string{conn.ID}, uut.channels.MembersOf("general"))
		assert.Empty(uut.channels.MembersOf("admin_updates"))
		writer.reset()
	}

	// Case 1: subscribe without channels
	{
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"subscribe"}`))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeError, msgs[0].Type)
		writer.reset()
	}

	// Case 2: matching role may join
	{
		admin, adminWriter := uut.connect(t, "root", "admin")
		uut.router.RouteMessage(
			utCtxt, admin, []byte(`{"type":"subscribe","channels":["admin_updates"]}`),
		)
		msgs := adminWriter.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeSubscribeAck, msgs[0].Type)
		assert.Equal([]string{admin.ID}, uut.channels.MembersOf("admin_updates"))
	}

	// Case 3: unsubscribe needs no authorization, even for channels never joined
	{
		uut.router.RouteMessage(
			utCtxt, conn, []byte(`{"type":"unsubscribe","channels":["general","admin_updates"]}`),
		)
		assert.Empty(writer.messages())
		assert.Empty(uut.channels.MembersOf("general"))
	}
}

func TestMessageRouterTypeAuthorization(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineRouterTestFixture(
		t, map[string]string{"broadcast": "moderator"}, nil, openLimits,
	)
	student, studentWriter := uut.connect(t, "alice", "student")
	moderator, moderatorWriter := uut.connect(t, "mandy", "moderator")

	// Both listen on the channel
	uut.channels.Subscribe(student.ID, "general")
	uut.channels.Subscribe(moderator.ID, "general")

	// Case 0: insufficient role is refused before dispatch
	{
		uut.router.RouteMessage(
			utCtxt, student, []byte(`{"type":"broadcast","channels":["general"]}`),
		)
		msgs := studentWriter.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeError, msgs[0].Type)
		assert.Contains(msgs[0].Error, "Forbidden")
		assert.Empty(moderatorWriter.messages())
		studentWriter.reset()
	}

	// Case 1: sufficient role broadcasts to every subscriber
	{
		uut.router.RouteMessage(
			utCtxt, moderator,
			[]byte(`{"type":"broadcast","channels":["general"],"data":{"text":"hi"}}`),
		)
		msgs := studentWriter.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeBroadcast, msgs[0].Type)
		assert.Equal("general", msgs[0].Channel)
		assert.Equal("mandy", msgs[0].FromUser)
		assert.Equal("hi", msgs[0].Data["text"])
		// sender is a subscriber too
		assert.Len(moderatorWriter.messages(), 1)
		studentWriter.reset()
		moderatorWriter.reset()
	}

	// Case 2: a replaced policy applies to connections admitted before the change
	{
		uut.policy.ReplaceMessageTypeRoles(map[string]string{})
		uut.router.RouteMessage(
			utCtxt, student, []byte(`{"type":"broadcast","channels":["general"]}`),
		)
		msgs := moderatorWriter.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeBroadcast, msgs[0].Type)
		moderatorWriter.reset()
		studentWriter.reset()
	}

	// Case 3: a removed connection no longer receives broadcasts
	{
		uut.registry.Remove(student.ID)
		uut.router.RouteMessage(
			utCtxt, moderator, []byte(`{"type":"broadcast","channels":["general"]}`),
		)
		assert.Empty(studentWriter.messages())
		assert.Len(moderatorWriter.messages(), 1)
	}
}

func TestMessageRouterHeartbeatNeverRoleGated(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineRouterTestFixture(
		t, map[string]string{"ping": "admin"}, nil, openLimits,
	)
	conn, writer := uut.connect(t, "alice", "student")

	// Case 0: a role table entry for ping does not silence heartbeats
	{
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"ping"}`))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypePong, msgs[0].Type)
		writer.reset()
	}

	// Case 1: a runtime policy replacement gating ping changes nothing either
	{
		uut.policy.ReplaceMessageTypeRoles(map[string]string{"ping": "moderator"})
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"ping"}`))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypePong, msgs[0].Type)
	}
}

func TestMessageRouterUserMessages(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineRouterTestFixture(t, nil, nil, openLimits)
	sender, senderWriter := uut.connect(t, "alice", "member")
	_, bobWriter1 := uut.connect(t, "bob", "member")
	_, bobWriter2 := uut.connect(t, "bob", "member")

	// Case 0: every connection of the target user receives the message
	{
		uut.router.RouteMessage(
			utCtxt, sender,
			[]byte(`{"type":"user_message","target_user":"bob","data":{"text":"hello"}}`),
		)
		for _, writer := range []*mockSessionWriter{bobWriter1, bobWriter2} {
			msgs := writer.messages()
			assert.Len(msgs, 1)
			assert.Equal(MsgTypeUserMessage, msgs[0].Type)
			assert.Equal("alice", msgs[0].FromUser)
			assert.Equal("hello", msgs[0].Data["text"])
			writer.reset()
		}
		assert.Empty(senderWriter.messages())
	}

	// Case 1: absent target user is silently dropped
	{
		uut.router.RouteMessage(
			utCtxt, sender, []byte(`{"type":"user_message","target_user":"nobody"}`),
		)
		assert.Empty(senderWriter.messages())
	}

	// Case 2: missing target user is an error
	{
		uut.router.RouteMessage(utCtxt, sender, []byte(`{"type":"user_message"}`))
		msgs := senderWriter.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypeError, msgs[0].Type)
	}
}

func TestMessageRouterRateLimit(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineRouterTestFixture(
		t, nil, nil, RouterLimits{MaxRequests: 2, Window: time.Minute},
	)
	conn, writer := uut.connect(t, "alice", "member")

	// Case 0: messages beyond the window threshold are refused
	{
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"ping"}`))
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"ping"}`))
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"ping"}`))
		msgs := writer.messages()
		assert.Len(msgs, 3)
		assert.Equal(MsgTypePong, msgs[0].Type)
		assert.Equal(MsgTypePong, msgs[1].Type)
		assert.Equal(MsgTypeError, msgs[2].Type)
		assert.Contains(msgs[2].Error, "Rate limit exceeded")
		assert.Contains(msgs[2].Error, "Retry after")
		writer.reset()
	}

	// Case 1: other users are unaffected
	{
		other, otherWriter := uut.connect(t, "bob", "member")
		uut.router.RouteMessage(utCtxt, other, []byte(`{"type":"ping"}`))
		msgs := otherWriter.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypePong, msgs[0].Type)
	}

	// Case 2: an admin reset opens the window again
	{
		uut.limiter.Clear("alice", SourceGateway)
		uut.router.RouteMessage(utCtxt, conn, []byte(`{"type":"ping"}`))
		msgs := writer.messages()
		assert.Len(msgs, 1)
		assert.Equal(MsgTypePong, msgs[0].Type)
	}
}
