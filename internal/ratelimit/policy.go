package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/EricTsai83/optstuff-sub000/internal/config"
	"github.com/EricTsai83/optstuff-sub000/internal/redis"
)

// ErrUnavailable is returned under the failclosed policy when Redis cannot
// answer a quota check.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Guard applies the configured failure policy around a Limiter.
//
//   - passthrough: allow the request.
//   - failclosed: return ErrUnavailable.
//   - inmemoryfallback: answer from the per-process InMemoryLimiter.
type Guard struct {
	limiter  *Limiter
	fallback *InMemoryLimiter
	policy   atomic.Value // config.FailurePolicy
	logger   *slog.Logger
	healthy  atomic.Bool

	OnRedisError func()
	OnFallback   func()
}

// NewGuard wraps limiter. A nil fallback gets a default-sized one.
func NewGuard(limiter *Limiter, fallback *InMemoryLimiter, policy config.FailurePolicy, logger *slog.Logger) *Guard {
	if fallback == nil {
		fallback = NewInMemoryLimiter(0, limiter.now)
	}
	g := &Guard{limiter: limiter, fallback: fallback, logger: logger}
	g.policy.Store(policy)
	g.healthy.Store(true)
	return g
}

// SetPolicy swaps the failure policy. Safe for concurrent use.
func (g *Guard) SetPolicy(p config.FailurePolicy) {
	g.policy.Store(p)
}

// Policy returns the current failure policy.
func (g *Guard) Policy() config.FailurePolicy {
	return g.policy.Load().(config.FailurePolicy)
}

// Check implements Checker.
func (g *Guard) Check(ctx context.Context, key string, perMinute, perDay int64) (*Result, error) {
	res, err := g.limiter.Check(ctx, key, perMinute, perDay)
	if err == nil {
		if !g.healthy.Swap(true) {
			g.logger.Info("rate limiter redis recovered")
		}
		return res, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}

	if g.OnRedisError != nil {
		g.OnRedisError()
	}
	policy := g.Policy()
	if redis.IsConnectivityErr(err) && g.healthy.Swap(false) {
		g.logger.Warn("rate limiter redis unhealthy, applying failure policy", "error", err, "policy", policy)
	} else {
		g.logger.Debug("rate limit check failed", "error", err, "policy", policy)
	}

	switch policy {
	case config.FailurePolicyFailClosed:
		return nil, errors.Join(ErrUnavailable, err)
	case config.FailurePolicyInMemoryFallback:
		if g.OnFallback != nil {
			g.OnFallback()
		}
		return g.fallback.Check(key, perMinute, perDay), nil
	default:
		return unlimited(), nil
	}
}

// Close closes the limiter and the fallback.
func (g *Guard) Close() error {
	g.fallback.Close()
	return g.limiter.Close()
}
