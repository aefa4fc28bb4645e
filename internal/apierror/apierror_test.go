package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapUpstreamStatus(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{404, 404},
		{410, 410},
		{400, 502},
		{403, 502},
		{429, 502},
		{500, 502},
		{503, 502},
		{599, 502},
		{200, 500},
		{302, 500},
		{0, 500},
		{600, 500},
		{-1, 500},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, MapUpstreamStatus(tt.in))
		})
	}
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("engine returned %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestFromEngine(t *testing.T) {
	assert.Nil(t, FromEngine(nil))

	e := FromEngine(fmt.Errorf("dispatch: %w", statusErr{410}))
	assert.Equal(t, KindUpstream, e.Kind)
	assert.Equal(t, http.StatusGone, e.Status)

	e = FromEngine(statusErr{415})
	assert.Equal(t, http.StatusBadGateway, e.Status)

	e = FromEngine(errors.New("panic in decoder"))
	assert.Equal(t, http.StatusBadGateway, e.Status)
	assert.ErrorContains(t, e, "panic in decoder")

	nf := NotFound("x", "gone")
	assert.Same(t, nf, FromEngine(fmt.Errorf("wrapped: %w", nf)))
}

func TestWrite_JSONBody(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-Id", "req-1")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/x", nil)

	Write(rec, req, BadRequest("path", "malformed path").With("segment", "operations"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "malformed path", body["error"])
	assert.Equal(t, Usage, body["usage"])
	assert.Equal(t, "operations", body["segment"])
	assert.Equal(t, "req-1", body["request_id"])
}

func TestWrite_OnlyBadRequestCarriesUsage(t *testing.T) {
	for _, e := range []*Error{
		Unauthorized("missing_params", "missing key"),
		InvalidSignature("invalid signature"),
		WrongProject(),
		NotFound("project", "project not found"),
		Upstream(500, "bad", nil),
	} {
		rec := httptest.NewRecorder()
		Write(rec, httptest.NewRequest(http.MethodGet, "/", nil), e)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body["error"])
		assert.NotContains(t, body, "usage")
		assert.Equal(t, e.Status, rec.Code)
	}
}

func TestWrite_HeadHasNoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, httptest.NewRequest(http.MethodHead, "/", nil), Upstream(500, "bad", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

func TestWrite_RateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	e := RateLimited("minute", 1500*time.Millisecond, 60, 0)
	Write(rec, httptest.NewRequest(http.MethodGet, "/", nil), e)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, int64(1), RateLimited("day", 0, 1, 0).RetryAfterSeconds())
}

func TestError_CauseNotRendered(t *testing.T) {
	e := Internal("lookup failed", errors.New("dial tcp 10.0.0.5:5432: refused"))
	assert.ErrorContains(t, e, "refused")

	rec := httptest.NewRecorder()
	Write(rec, httptest.NewRequest(http.MethodGet, "/", nil), e)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rate_limit", KindRateLimit.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
