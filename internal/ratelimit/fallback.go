package ratelimit

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const defaultFallbackKeys = 65536

// InMemoryLimiter applies the same minute and day windows as Limiter using
// local memory. It backs the inmemoryfallback failure policy.
//
// Counters are per process, not per cluster: while Redis is down each
// gateway instance admits up to the full quota on its own.
//
// Ristretto bounds the number of tracked keys (cost 1 per key) and expires
// idle entries after a day.
type InMemoryLimiter struct {
	cache *ristretto.Cache[string, *windowCounter]
	now   func() time.Time
}

type windowCounter struct {
	mu          sync.Mutex
	minute      int64
	minuteCount int64
	day         int64
	dayCount    int64
}

// NewInMemoryLimiter creates a fallback limiter tracking at most maxKeys keys.
func NewInMemoryLimiter(maxKeys int64, now func() time.Time) *InMemoryLimiter {
	if maxKeys <= 0 {
		maxKeys = defaultFallbackKeys
	}
	if now == nil {
		now = time.Now
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *windowCounter]{
		NumCounters: maxKeys * 10,
		MaxCost:     maxKeys,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}
	return &InMemoryLimiter{cache: cache, now: now}
}

// Check counts one request against key's quotas.
func (l *InMemoryLimiter) Check(key string, perMinute, perDay int64) *Result {
	if perMinute <= 0 && perDay <= 0 {
		return unlimited()
	}
	minute, day, minuteLeft, dayLeft := windows(l.now())

	c, found := l.cache.Get(key)
	if !found {
		c = &windowCounter{minute: minute, day: day}
		l.cache.SetWithTTL(key, c, 1, dayLeft+time.Minute)
		// Make the counter visible to the next Get; only the first request
		// for a key pays for this.
		l.cache.Wait()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.minute != minute {
		c.minute, c.minuteCount = minute, 0
	}
	if c.day != day {
		c.day, c.dayCount = day, 0
	}

	if perMinute > 0 && c.minuteCount >= perMinute {
		return &Result{Reason: ReasonMinute, RetryAfter: minuteLeft, Limit: perMinute}
	}
	if perDay > 0 && c.dayCount >= perDay {
		return &Result{Reason: ReasonDay, RetryAfter: dayLeft, Limit: perDay}
	}
	c.minuteCount++
	c.dayCount++

	res := &Result{Allowed: true}
	if perMinute > 0 {
		res.Limit, res.Remaining = perMinute, perMinute-c.minuteCount
	}
	if perDay > 0 && (res.Limit == 0 || perDay-c.dayCount < res.Remaining) {
		res.Limit, res.Remaining = perDay, perDay-c.dayCount
	}
	return res
}

// Close releases the cache. Safe to call multiple times.
func (l *InMemoryLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
