package ratelimit

import (
	"context"
	"testing"

	"github.com/EricTsai83/optstuff-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_HealthyRedis(t *testing.T) {
	client, _ := newTestRedisClient(t)
	g := NewGuard(NewLimiter(client, "rl:", testLogger), nil, config.FailurePolicyFailClosed, testLogger)
	defer g.Close()

	res, err := g.Check(context.Background(), "pk", 1, 0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = g.Check(context.Background(), "pk", 1, 0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestGuard_FailurePolicies(t *testing.T) {
	tests := []struct {
		policy     config.FailurePolicy
		wantErr    bool
		wantFirst  bool
		wantSecond bool
	}{
		{config.FailurePolicyPassThrough, false, true, true},
		{config.FailurePolicyFailClosed, true, false, false},
		{config.FailurePolicyInMemoryFallback, false, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			client, mr := newTestRedisClient(t)
			g := NewGuard(NewLimiter(client, "rl:", testLogger), nil, tt.policy, testLogger)
			defer g.Close()

			var redisErrors, fallbacks int
			g.OnRedisError = func() { redisErrors++ }
			g.OnFallback = func() { fallbacks++ }

			mr.SetError("ERR injected failure")

			first, err := g.Check(context.Background(), "pk", 1, 0)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnavailable)
				assert.Equal(t, 1, redisErrors)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFirst, first.Allowed)

			second, err := g.Check(context.Background(), "pk", 1, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSecond, second.Allowed)
			assert.Equal(t, 2, redisErrors)

			if tt.policy == config.FailurePolicyInMemoryFallback {
				assert.Equal(t, 2, fallbacks)
			}
		})
	}
}

func TestGuard_SetPolicy(t *testing.T) {
	client, mr := newTestRedisClient(t)
	g := NewGuard(NewLimiter(client, "rl:", testLogger), nil, config.FailurePolicyPassThrough, testLogger)
	defer g.Close()

	mr.SetError("ERR injected failure")
	res, err := g.Check(context.Background(), "pk", 1, 0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	g.SetPolicy(config.FailurePolicyFailClosed)
	assert.Equal(t, config.FailurePolicyFailClosed, g.Policy())
	_, err = g.Check(context.Background(), "pk", 1, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGuard_ImplementsChecker(t *testing.T) {
	var _ Checker = (*Guard)(nil)
	var _ Checker = (*Limiter)(nil)
}
