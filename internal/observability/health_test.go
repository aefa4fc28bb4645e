package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker(t *testing.T) {
	t.Run("starts in not-ready state", func(t *testing.T) {
		h := NewHealthChecker()
		assert.False(t, h.IsReady())
		assert.False(t, h.IsStarted())
	})
}

func TestHealthCheckerReadiness(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady()
	assert.True(t, h.IsReady())
	h.SetNotReady()
	assert.False(t, h.IsReady())
}

func TestHealthCheckerSetStarted(t *testing.T) {
	h := NewHealthChecker()
	h.SetStarted()
	assert.True(t, h.IsStarted())
}

func serve(t *testing.T, handler http.HandlerFunc, target string) (int, map[string]string) {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestStartzHandler(t *testing.T) {
	t.Run("returns 503 before startup completes", func(t *testing.T) {
		code, body := serve(t, NewHealthChecker().StartzHandler(), "/startz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_started", body["status"])
	})

	t.Run("returns 200 after startup completes", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetStarted()
		code, body := serve(t, h.StartzHandler(), "/startz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "started", body["status"])
	})
}

func TestHealthzHandler(t *testing.T) {
	t.Run("returns 200 even when not ready", func(t *testing.T) {
		code, body := serve(t, NewHealthChecker().HealthzHandler(), "/healthz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "alive", body["status"])
	})
}

func TestReadyzHandler(t *testing.T) {
	t.Run("returns 503 when not ready", func(t *testing.T) {
		code, body := serve(t, NewHealthChecker().ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body["status"])
	})

	t.Run("returns 200 when ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		code, body := serve(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", body["status"])
	})

	t.Run("shallow check ignores broken dependencies", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger("redis", PingerFunc(func(context.Context) error { return fmt.Errorf("down") }))
		code, _ := serve(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusOK, code)
	})
}

func TestReadyzHandler_DeepCheck(t *testing.T) {
	ok := PingerFunc(func(context.Context) error { return nil })
	down := PingerFunc(func(context.Context) error { return fmt.Errorf("connection refused") })

	t.Run("all dependencies healthy", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger("redis", ok)
		h.SetPinger("postgres", ok)

		code, body := serve(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, map[string]string{"status": "ready", "redis": "ok", "postgres": "ok"}, body)
	})

	t.Run("postgres unreachable", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger("redis", ok)
		h.SetPinger("postgres", down)

		code, body := serve(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body["status"])
		assert.Equal(t, "ok", body["redis"])
		assert.Equal(t, "unreachable", body["postgres"])
	})

	t.Run("removed pinger is not checked", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger("redis", down)
		h.SetPinger("redis", nil)

		code, body := serve(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, map[string]string{"status": "ready"}, body)
	})

	t.Run("pings honor the deadline", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger("redis", PingerFunc(func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return nil
		}))
		code, _ := serve(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
	})
}
