package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON responses avoid runtime encoding errors entirely.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

const deepCheckTimeout = 2 * time.Second

// Pinger is implemented by any dependency that can check connectivity
// (Redis client, PostgreSQL store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker provides startup, liveness, and readiness check endpoints.
type HealthChecker struct {
	started int32 // atomic: 0 = not started, 1 = started
	ready   int32 // atomic: 0 = not ready, 1 = ready

	mu      sync.RWMutex
	pingers map[string]Pinger
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{pingers: make(map[string]Pinger)}
}

// SetStarted marks the service as having completed startup.
func (h *HealthChecker) SetStarted() {
	atomic.StoreInt32(&h.started, 1)
}

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool {
	return atomic.LoadInt32(&h.started) == 1
}

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() {
	atomic.StoreInt32(&h.ready, 1)
}

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() {
	atomic.StoreInt32(&h.ready, 0)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return atomic.LoadInt32(&h.ready) == 1
}

// SetPinger registers a dependency under name for deep readiness checks.
// Pass nil to remove it.
func (h *HealthChecker) SetPinger(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.pingers, name)
		return
	}
	h.pingers[name] = p
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise.
// With `deep=true` every registered dependency is pinged concurrently and
// any failure turns the response into a 503 naming the broken dependency.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") != "true" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonReady)
			return
		}

		results, ok := h.deepCheck(r.Context())
		body := make(map[string]string, len(results)+1)
		for name, res := range results {
			body[name] = res
		}
		status := http.StatusOK
		body["status"] = "ready"
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "not_ready"
		}
		payload, _ := json.Marshal(body)
		w.WriteHeader(status)
		_, _ = w.Write(payload)
	}
}

func (h *HealthChecker) deepCheck(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.pingers))
	pingers := make([]Pinger, 0, len(h.pingers))
	for name := range h.pingers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pingers = append(pingers, h.pingers[name])
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, deepCheckTimeout)
	defer cancel()

	errs := make([]error, len(pingers))
	var wg sync.WaitGroup
	for i, p := range pingers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Ping(ctx)
		}()
	}
	wg.Wait()

	results := make(map[string]string, len(names))
	ok := true
	for i, name := range names {
		if errs[i] != nil {
			results[name] = "unreachable"
			ok = false
			continue
		}
		results[name] = "ok"
	}
	return results, ok
}
