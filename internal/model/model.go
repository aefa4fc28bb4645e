// Package model holds the domain types shared by the config cache, the
// request validator, and the telemetry pipeline.
package model

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ProjectConfig is the subset of a project the gateway needs at request time.
type ProjectConfig struct {
	ID     string
	Slug   string
	TeamID string

	// AllowedRefererDomains restricts which sites may embed the project's
	// images. Nil or empty means unrestricted.
	AllowedRefererDomains []string
}

// RestrictsReferer reports whether requests must carry an allowed Referer.
func (p *ProjectConfig) RestrictsReferer() bool {
	return len(p.AllowedRefererDomains) > 0
}

// APIKeyConfig is an API key as seen by the gateway.
type APIKeyConfig struct {
	ID        string
	KeyPrefix string
	SecretKey Secret
	ProjectID string

	// AllowedSourceDomains restricts which hosts images may be fetched from.
	// Empty means any public host.
	AllowedSourceDomains []string

	ExpiresAt *time.Time
	RevokedAt *time.Time

	// Zero means unlimited for that window.
	RateLimitPerMinute int64
	RateLimitPerDay    int64
}

// Revoked reports whether the key has been revoked.
func (k *APIKeyConfig) Revoked() bool {
	return k.RevokedAt != nil
}

// Expired reports whether the key's expiry lies before now.
func (k *APIKeyConfig) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Secret holds an API-key signing secret. Every formatting path redacts it;
// only Reveal exposes the bytes, for HMAC computation.
type Secret string

const redacted = "[REDACTED]"

// Reveal returns the raw secret.
func (s Secret) Reveal() []byte { return []byte(s) }

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer for %#v.
func (s Secret) GoString() string { return s.String() }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalJSON never serializes the secret.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Request-log statuses.
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusForbidden   = "forbidden"
	StatusRateLimited = "rate_limited"
)

// RequestLog is one row of per-request usage telemetry.
type RequestLog struct {
	ID               uuid.UUID `json:"id"`
	RequestID        string    `json:"request_id,omitempty"`
	ProjectID        string    `json:"project_id"`
	APIKeyID         string    `json:"api_key_id,omitempty"`
	SourceURL        string    `json:"source_url"`
	Status           string    `json:"status"`
	HTTPStatus       int       `json:"http_status"`
	Reason           string    `json:"reason,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	OriginalSize     *int64    `json:"original_size,omitempty"`
	OptimizedSize    *int64    `json:"optimized_size,omitempty"`
	Format           string    `json:"format,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
