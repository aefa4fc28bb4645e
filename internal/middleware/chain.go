// Package middleware wraps the gateway handler with the per-request edge
// concerns: request IDs, trace propagation, request timeouts, panic
// recovery, duration metrics, and the access log.
package middleware

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/EricTsai83/optstuff-sub000/internal/apierror"
	"github.com/EricTsai83/optstuff-sub000/internal/observability"
)

var tracer = otel.Tracer("optstuff.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is seeded once from crypto/rand. ChaCha8 is a CSPRNG and
// avoids a syscall per ID.
var (
	requestIDMu  sync.Mutex
	requestIDRng = func() *rand.ChaCha8 {
		var seed [32]byte
		if _, err := cryptorand.Read(seed[:]); err != nil {
			panic("failed to seed ChaCha8: " + err.Error())
		}
		return rand.NewChaCha8(seed)
	}()
)

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	requestIDMu.Lock()
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// statusWriter captures the status code and body size written downstream.
type statusWriter struct {
	http.ResponseWriter
	code    int
	bytes   int64
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Chain is the outermost handler of the public listener.
type Chain struct {
	next    http.Handler
	logger  *slog.Logger
	metrics *observability.Metrics

	requestTimeout atomic.Int64 // time.Duration; 0 disables
	accessLog      atomic.Bool
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithRequestTimeout bounds every request's context.
func WithRequestTimeout(d time.Duration) ChainOption {
	return func(c *Chain) { c.requestTimeout.Store(int64(d)) }
}

// WithAccessLog toggles the per-request access log line.
func WithAccessLog(on bool) ChainOption {
	return func(c *Chain) { c.accessLog.Store(on) }
}

// NewChain wraps next. Access logging is on unless disabled by an option.
func NewChain(next http.Handler, metrics *observability.Metrics, logger *slog.Logger, opts ...ChainOption) *Chain {
	c := &Chain{next: next, logger: logger, metrics: metrics}
	c.accessLog.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRequestTimeout updates the request timeout. Safe for concurrent use.
func (c *Chain) SetRequestTimeout(d time.Duration) { c.requestTimeout.Store(int64(d)) }

// SetAccessLog toggles the access log. Safe for concurrent use.
func (c *Chain) SetAccessLog(on bool) { c.accessLog.Store(on) }

// ServeHTTP implements http.Handler.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.bytes = 0
	sw.written = false

	// Client IDs are validated to prevent header injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := tracer.Start(ctx, "optstuff.http",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("request.id", reqID),
		),
	)

	if d := time.Duration(c.requestTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	r = r.WithContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic serving request",
				"panic", fmt.Sprint(rec), "request_id", reqID, "stack", string(debug.Stack()))
			if !sw.written {
				apierror.Write(sw, r, apierror.Internal("internal server error", fmt.Errorf("panic: %v", rec)))
			}
		}

		duration := time.Since(start)
		span.SetAttributes(attribute.Int("http.response.status_code", sw.code))
		span.End()
		c.metrics.PromRequestDuration.WithLabelValues(r.Method, strconv.Itoa(sw.code)).Observe(duration.Seconds())

		if c.accessLog.Load() {
			c.logger.Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.code,
				"duration_ms", float64(duration.Microseconds())/1000,
				"bytes", sw.bytes,
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
				"user_agent", r.UserAgent(),
				"proto", r.Proto,
			)
		}

		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	c.next.ServeHTTP(sw, r)
}
