// Package ratelimit enforces per-API-key request quotas over two fixed
// windows, one calendar minute and one UTC day, using a Redis Lua script for
// atomicity plus an in-memory fallback for when Redis is unavailable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLimiterClosed is returned when Check is called after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// Reason names the window that denied a request.
type Reason string

const (
	ReasonMinute Reason = "minute"
	ReasonDay    Reason = "day"
)

// windowLua checks both windows and only then increments both, so a denied
// request never consumes quota.
//
// Keys: KEYS[1] = minute counter, KEYS[2] = day counter.
// Args: ARGV[1] = per-minute limit, ARGV[2] = per-day limit (0 = unlimited),
// ARGV[3] = ms until the minute window ends, ARGV[4] = ms until the day ends.
// Returns {allowed (0|1), reason (0 none|1 minute|2 day), retry_after_ms, limit, remaining}.
const windowLua = `
local m_limit = tonumber(ARGV[1])
local d_limit = tonumber(ARGV[2])
local m_left  = tonumber(ARGV[3])
local d_left  = tonumber(ARGV[4])

local m = 0
local d = 0
if m_limit > 0 then m = tonumber(redis.call('get', KEYS[1]) or '0') end
if d_limit > 0 then d = tonumber(redis.call('get', KEYS[2]) or '0') end

if m_limit > 0 and m >= m_limit then
  return {0, 1, m_left, m_limit, 0}
end
if d_limit > 0 and d >= d_limit then
  return {0, 2, d_left, d_limit, 0}
end

if m_limit > 0 then
  m = redis.call('incr', KEYS[1])
  if m == 1 then redis.call('pexpire', KEYS[1], m_left + 1000) end
end
if d_limit > 0 then
  d = redis.call('incr', KEYS[2])
  if d == 1 then redis.call('pexpire', KEYS[2], d_left + 1000) end
end

local limit = 0
local remaining = 0
if m_limit > 0 then
  limit = m_limit
  remaining = m_limit - m
end
if d_limit > 0 and (limit == 0 or d_limit - d < remaining) then
  limit = d_limit
  remaining = d_limit - d
end
return {1, 0, 0, limit, remaining}
`

var windowScript = goredis.NewScript(windowLua)

// Result is the outcome of a quota check.
type Result struct {
	Allowed bool
	Reason  Reason // set when Allowed is false

	// RetryAfter is the time until the denying window resets.
	RetryAfter time.Duration

	// Limit and Remaining describe the tightest window. Both are zero when
	// the key is unlimited.
	Limit     int64
	Remaining int64
}

func unlimited() *Result { return &Result{Allowed: true} }

// Checker is the quota interface consumed by the request validator.
type Checker interface {
	Check(ctx context.Context, key string, perMinute, perDay int64) (*Result, error)
}

// Limiter performs fixed-window quota checks against Redis.
type Limiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string
	hash      string
	keyPrefix string
	now       func() time.Time
	closed    atomic.Bool
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the time source used to pick windows.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Redis-backed limiter.
func NewLimiter(client redis.Client, prefix string, logger *slog.Logger, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		client:    client,
		logger:    logger,
		src:       windowLua,
		hash:      windowScript.Hash(),
		keyPrefix: prefix,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// windows returns the minute and day window indexes for now together with
// the time left in each.
func windows(now time.Time) (minute, day int64, minuteLeft, dayLeft time.Duration) {
	ms := now.UnixMilli()
	const minuteMs, dayMs = int64(60_000), int64(86_400_000)
	minute, day = ms/minuteMs, ms/dayMs
	minuteLeft = time.Duration((minute+1)*minuteMs-ms) * time.Millisecond
	dayLeft = time.Duration((day+1)*dayMs-ms) * time.Millisecond
	return minute, day, minuteLeft, dayLeft
}

// counterKeys hash-tags the API key so both counters share a cluster slot.
func (l *Limiter) counterKeys(key string, minute, day int64) []string {
	base := l.keyPrefix + "{" + key + "}"
	return []string{
		base + ":m:" + strconv.FormatInt(minute, 10),
		base + ":d:" + strconv.FormatInt(day, 10),
	}
}

// Check counts one request against key's minute and day quotas. A limit of
// zero disables that window.
func (l *Limiter) Check(ctx context.Context, key string, perMinute, perDay int64) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}
	if perMinute <= 0 && perDay <= 0 {
		return unlimited(), nil
	}

	minute, day, minuteLeft, dayLeft := windows(l.now())
	keys := l.counterKeys(key, minute, day)

	cmd, err := l.evalScript(ctx, keys, max(perMinute, 0), max(perDay, 0), minuteLeft.Milliseconds(), dayLeft.Milliseconds())
	if err != nil {
		return nil, err
	}
	return parseScriptResult(cmd)
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Close marks the limiter closed. The Redis client is owned by the caller.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	return nil
}

// parseScriptResult parses {allowed, reason, retry_after_ms, limit, remaining}.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 5 {
		return nil, fmt.Errorf("script returned %d elements, want 5", len(arr))
	}

	var vals [5]int64
	for i, v := range arr {
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("parsing element %d: %w", i, err)
		}
		vals[i] = n
	}

	res := &Result{
		Allowed:    vals[0] == 1,
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
		Limit:      vals[3],
		Remaining:  vals[4],
	}
	switch vals[1] {
	case 1:
		res.Reason = ReasonMinute
	case 2:
		res.Reason = ReasonDay
	}
	return res, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
