package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryLimiter_MinuteWindow(t *testing.T) {
	clock := newFakeClock(t0)
	l := NewInMemoryLimiter(1024, clock.Now)
	defer l.Close()

	for i := range 3 {
		res := l.Check("pk_a", 3, 0)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(2-i), res.Remaining)
	}

	res := l.Check("pk_a", 3, 0)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonMinute, res.Reason)
	assert.Equal(t, 45*time.Second, res.RetryAfter)

	clock.Advance(45 * time.Second)
	assert.True(t, l.Check("pk_a", 3, 0).Allowed)
}

func TestInMemoryLimiter_DayWindow(t *testing.T) {
	clock := newFakeClock(t0)
	l := NewInMemoryLimiter(1024, clock.Now)
	defer l.Close()

	assert.True(t, l.Check("pk_d", 10, 2).Allowed)
	clock.Advance(time.Minute)
	assert.True(t, l.Check("pk_d", 10, 2).Allowed)
	clock.Advance(time.Minute)

	res := l.Check("pk_d", 10, 2)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonDay, res.Reason)
	assert.Equal(t, int64(2), res.Limit)
}

func TestInMemoryLimiter_Unlimited(t *testing.T) {
	l := NewInMemoryLimiter(0, nil)
	defer l.Close()

	for range 100 {
		assert.True(t, l.Check("pk", 0, 0).Allowed)
	}
}

func TestInMemoryLimiter_CloseTwice(t *testing.T) {
	l := NewInMemoryLimiter(16, nil)
	l.Close()
	l.Close()
}
