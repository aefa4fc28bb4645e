// Package apierror is the closed error taxonomy of the image gateway. Every
// pipeline gate returns an *Error instead of writing a response itself, and
// the HTTP edge renders it with Write.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an Error.
type Kind uint8

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindRateLimit
	KindUpstream
)

var kindNames = [...]string{
	KindInternal:       "internal",
	KindAuthentication: "authentication",
	KindAuthorization:  "authorization",
	KindValidation:     "validation",
	KindNotFound:       "not_found",
	KindRateLimit:      "rate_limit",
	KindUpstream:       "upstream",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Usage is the hint attached to every 400 response.
const Usage = "/api/v1/{projectSlug}/{operations}/{imageUrl}?key={publicKey}&sig={signature}[&exp={unixSeconds}]; " +
	"operations are comma-separated (w_800,h_600,q_80,f_webp,fit_cover,dpr_2,blur_5,rotate_90) or _ for none"

// Error is a terminal pipeline outcome.
type Error struct {
	Kind    Kind
	Status  int
	Message string

	// Reason is a short machine label used for metrics and request logs.
	Reason string

	Usage  string
	Fields map[string]any

	// Set on rate-limit errors.
	RetryAfter time.Duration
	Limit      int64
	Remaining  int64

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Status, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error. Causes are logged, never rendered.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// With adds a context field to the rendered body.
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 2)
	}
	e.Fields[key] = value
	return e
}

// Unauthorized is a 401 authentication failure.
func Unauthorized(reason, msg string) *Error {
	return &Error{Kind: KindAuthentication, Status: http.StatusUnauthorized, Reason: reason, Message: msg}
}

// InvalidSignature is the 403 returned for signature mismatches and expired URLs.
func InvalidSignature(msg string) *Error {
	return &Error{Kind: KindAuthentication, Status: http.StatusForbidden, Reason: "signature", Message: msg}
}

// Forbidden is a 403 authorization failure.
func Forbidden(reason, msg string) *Error {
	return &Error{Kind: KindAuthorization, Status: http.StatusForbidden, Reason: reason, Message: msg}
}

// WrongProject is the 401 returned when a key is used under another project's slug.
func WrongProject() *Error {
	return &Error{
		Kind: KindAuthorization, Status: http.StatusUnauthorized,
		Reason: "project_mismatch", Message: "key does not belong to this project",
	}
}

// BadRequest is a 400 validation failure. It always carries the usage hint.
func BadRequest(reason, msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Reason: reason, Message: msg, Usage: Usage}
}

// NotFound is a 404.
func NotFound(reason, msg string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Reason: reason, Message: msg}
}

// RateLimited is a 429 carrying the retry hint and quota headers.
func RateLimited(reason string, retryAfter time.Duration, limit, remaining int64) *Error {
	return &Error{
		Kind: KindRateLimit, Status: http.StatusTooManyRequests, Reason: reason,
		Message:    "rate limit exceeded (" + reason + ")",
		RetryAfter: retryAfter, Limit: limit, Remaining: remaining,
	}
}

// MethodNotAllowed is a 405. Callers set the Allow header.
func MethodNotAllowed() *Error {
	return &Error{Kind: KindValidation, Status: http.StatusMethodNotAllowed, Reason: "method", Message: "method not allowed"}
}

// Unavailable is a 503 for dependencies the gateway cannot serve without.
func Unavailable(reason, msg string) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusServiceUnavailable, Reason: reason, Message: msg}
}

// Internal is a 500.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Reason: "internal", Message: msg, cause: cause}
}

// Upstream builds an upstream failure whose status is mapped through
// MapUpstreamStatus.
func Upstream(status int, msg string, cause error) *Error {
	return &Error{Kind: KindUpstream, Status: MapUpstreamStatus(status), Reason: "upstream", Message: msg, cause: cause}
}

// MapUpstreamStatus maps a status reported by the source host or the
// transformation engine to the status the gateway returns. 404 and 410 pass
// through, any other 4xx or 5xx becomes 502, and anything outside 400-599
// becomes 500.
func MapUpstreamStatus(status int) int {
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return status
	case status >= 400 && status <= 599:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StatusError is implemented by engine and upstream errors that carry the
// remote status code.
type StatusError interface {
	error
	StatusCode() int
}

// FromEngine converts an error returned by the transformation engine. It is
// called once at the top of the GET path.
func FromEngine(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var se StatusError
	if errors.As(err, &se) {
		return Upstream(se.StatusCode(), "image transformation failed", err)
	}
	return Upstream(http.StatusBadGateway, "image transformation failed", err)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *Error) RetryAfterSeconds() int64 {
	s := int64(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// SetHeaders writes the headers an error carries.
func (e *Error) SetHeaders(h http.Header) {
	if e.Kind == KindRateLimit {
		h.Set("Retry-After", strconv.FormatInt(e.RetryAfterSeconds(), 10))
		h.Set("X-RateLimit-Limit", strconv.FormatInt(e.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(e.Remaining, 10))
	}
}

// Write renders e. HEAD responses get the status and headers only.
func Write(w http.ResponseWriter, r *http.Request, e *Error) {
	h := w.Header()
	e.SetHeaders(h)
	h.Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		w.WriteHeader(e.Status)
		return
	}

	body := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		body[k] = v
	}
	body["error"] = e.Message
	if e.Usage != "" {
		body["usage"] = e.Usage
	}
	if e.Kind == KindRateLimit {
		body["retry_after"] = e.RetryAfterSeconds()
	}
	if id := h.Get("X-Request-Id"); id != "" {
		body["request_id"] = id
	}

	data, _ := json.Marshal(body)
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(e.Status)
	_, _ = w.Write(data)
}
