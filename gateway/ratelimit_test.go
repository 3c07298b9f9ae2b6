package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRateLimiter(ModeProduction)
	assert.Nil(err)

	// recast to control the clock
	uutc := uut.(*rateLimiterImpl)
	current := time.Unix(1640000000, 0)
	uutc.timeNow = func() time.Time { return current }

	// Case 0: requests within the threshold pass, the rest are denied
	{
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 2, time.Minute).Allowed)
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 2, time.Minute).Allowed)
		decision := uut.CheckAndRecord("alice", SourceGateway, 2, time.Minute)
		assert.False(decision.Allowed)
		assert.Equal(time.Minute, decision.RetryAfter)
		assert.False(uut.CheckAndRecord("alice", SourceGateway, 2, time.Minute).Allowed)
	}

	// Case 1: other identifiers have their own windows
	{
		assert.True(uut.CheckAndRecord("bob", SourceGateway, 2, time.Minute).Allowed)
	}

	// Case 2: other sources have their own windows
	{
		assert.True(uut.CheckAndRecord("alice", SourceAPI, 2, time.Minute).Allowed)
	}

	// Case 3: old requests fall out of the window
	{
		current = current.Add(time.Second * 61)
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 2, time.Minute).Allowed)
	}

	// Case 4: partial expiry reports when the next slot opens
	{
		current = current.Add(time.Second * 30)
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 2, time.Minute).Allowed)
		decision := uut.CheckAndRecord("alice", SourceGateway, 2, time.Minute)
		assert.False(decision.Allowed)
		// oldest retained request is 30s old; it exits the window in 30s
		assert.Equal(time.Second*30, decision.RetryAfter)
	}
}

func TestRateLimiterReset(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRateLimiter(ModeProduction)
	assert.Nil(err)

	// Case 0: resetting one window does not touch others
	{
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		assert.True(uut.CheckAndRecord("bob", SourceGateway, 1, time.Minute).Allowed)
		assert.False(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		uut.Clear("alice", SourceGateway)
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		assert.False(uut.CheckAndRecord("bob", SourceGateway, 1, time.Minute).Allowed)
	}

	// Case 1: resetting without a source clears the identifier everywhere
	{
		assert.True(uut.CheckAndRecord("alice", SourceAPI, 1, time.Minute).Allowed)
		assert.False(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		assert.False(uut.CheckAndRecord("alice", SourceAPI, 1, time.Minute).Allowed)
		uut.Clear("alice", "")
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		assert.True(uut.CheckAndRecord("alice", SourceAPI, 1, time.Minute).Allowed)
		assert.False(uut.CheckAndRecord("bob", SourceGateway, 1, time.Minute).Allowed)
	}

	// Case 2: full reset forgets everything
	{
		uut.ClearAll()
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		assert.True(uut.CheckAndRecord("bob", SourceGateway, 1, time.Minute).Allowed)
	}
}

func TestRateLimiterBypassModes(t *testing.T) {
	assert := assert.New(t)

	// Case 0: development mode honors bypass
	{
		uut, err := GetRateLimiter(ModeDevelopment)
		assert.Nil(err)
		uut.SetBypass(true)
		assert.True(uut.ShouldBypass())
		for i := 0; i < 10; i++ {
			assert.True(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		}
		uut.SetBypass(false)
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		assert.False(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
	}

	// Case 1: production mode never bypasses
	{
		uut, err := GetRateLimiter(ModeProduction)
		assert.Nil(err)
		uut.SetBypass(true)
		assert.False(uut.ShouldBypass())
		assert.True(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
		assert.False(uut.CheckAndRecord("alice", SourceGateway, 1, time.Minute).Allowed)
	}

	// Case 2: unknown mode is rejected
	{
		_, err := GetRateLimiter(LimiterMode("sometimes"))
		assert.NotNil(err)
	}
}
