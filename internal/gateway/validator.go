// Package gateway serves signed image URLs: it validates each request
// through a fixed sequence of gates, then either transforms the image (GET)
// or probes the source (HEAD).
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/apierror"
	"github.com/EricTsai83/optstuff-sub000/internal/configcache"
	"github.com/EricTsai83/optstuff-sub000/internal/model"
	"github.com/EricTsai83/optstuff-sub000/internal/ratelimit"
	"github.com/EricTsai83/optstuff-sub000/internal/signing"
	"github.com/EricTsai83/optstuff-sub000/internal/transform"
	"github.com/EricTsai83/optstuff-sub000/internal/upstream"
)

// ConfigLookup resolves API keys and projects. *configcache.Cache
// satisfies it.
type ConfigLookup interface {
	APIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKeyConfig, error)
	ProjectByID(ctx context.Context, id string) (*model.ProjectConfig, error)
}

// SignedRequestContext is everything a validated request resolved. It lives
// for one request only.
type SignedRequestContext struct {
	APIKey        *model.APIKeyConfig
	Project       *model.ProjectConfig
	ProjectSlug   string
	RawOperations string
	Operations    transform.Operations
	ImagePath     string
	ImageURL      *url.URL
	RateLimit     *ratelimit.Result
}

// Settings are the hot-reloadable validation settings.
type Settings struct {
	// PathPrefix is stripped from the request path, e.g. "/api/v1/".
	PathPrefix          string
	AllowMissingReferer bool
	DefaultSourceScheme string
	SourcePolicy        upstream.Policy
}

// Validator runs the authorization pipeline.
type Validator struct {
	configs  ConfigLookup
	limiter  ratelimit.Checker
	settings atomic.Pointer[Settings]
	now      func() time.Time
}

// NewValidator creates a Validator. A nil now uses time.Now.
func NewValidator(configs ConfigLookup, limiter ratelimit.Checker, settings Settings, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	v := &Validator{configs: configs, limiter: limiter, now: now}
	v.SetSettings(settings)
	return v
}

// SetSettings swaps the validation settings. Safe for concurrent use.
func (v *Validator) SetSettings(s Settings) {
	if s.PathPrefix == "" {
		s.PathPrefix = "/api/v1/"
	}
	if s.DefaultSourceScheme == "" {
		s.DefaultSourceScheme = "https"
	}
	v.settings.Store(&s)
}

// Settings returns the current validation settings.
func (v *Validator) Settings() Settings {
	return *v.settings.Load()
}

// Validate runs every gate in order and stops at the first failure. On
// failure the returned context still carries what was resolved before the
// failing gate, so callers can attribute the rejection.
func (v *Validator) Validate(ctx context.Context, r *http.Request) (*SignedRequestContext, *apierror.Error) {
	s := v.settings.Load()
	sc := &SignedRequestContext{}

	// 1. Signature parameters.
	q := r.URL.Query()
	key, sig, exp := q.Get("key"), q.Get("sig"), q.Get("exp")
	if key == "" || sig == "" {
		return sc, apierror.Unauthorized("missing_params", "missing key or sig query parameter")
	}

	// 2. API key.
	apiKey, err := v.configs.APIKeyByPrefix(ctx, key)
	if err != nil {
		if errors.Is(err, configcache.ErrNotFound) {
			return sc, apierror.Unauthorized("unknown_key", "invalid API key")
		}
		return sc, apierror.Unavailable("config_unavailable", "configuration temporarily unavailable").WithCause(err)
	}
	sc.APIKey = apiKey

	// 3. Revocation and expiry, re-checked on every request.
	now := v.now()
	if apiKey.Revoked() {
		return sc, apierror.Unauthorized("key_revoked", "API key has been revoked")
	}
	if apiKey.Expired(now) {
		return sc, apierror.Unauthorized("key_expired", "API key has expired")
	}

	// 4. Path.
	if e := parsePath(r.URL.Path, s.PathPrefix, sc); e != nil {
		return sc, e
	}

	// 5. Signature.
	signingPath := sc.RawOperations + "/" + sc.ImagePath
	if !signing.Verify(apiKey.SecretKey.Reveal(), signingPath, sig, exp, now) {
		return sc, apierror.InvalidSignature("invalid or expired signature")
	}

	// 6. Project, by the key's project ID only.
	project, err := v.configs.ProjectByID(ctx, apiKey.ProjectID)
	if err != nil {
		if errors.Is(err, configcache.ErrNotFound) {
			return sc, apierror.NotFound("project_not_found", "project not found")
		}
		return sc, apierror.Unavailable("config_unavailable", "configuration temporarily unavailable").WithCause(err)
	}
	sc.Project = project

	// 7. Slug.
	if project.Slug != sc.ProjectSlug {
		return sc, apierror.WrongProject()
	}

	// 8. Quota.
	res, err := v.limiter.Check(ctx, key, apiKey.RateLimitPerMinute, apiKey.RateLimitPerDay)
	if err != nil {
		return sc, apierror.Unavailable("ratelimit_unavailable", "rate limiter unavailable").WithCause(err)
	}
	sc.RateLimit = res
	if !res.Allowed {
		return sc, apierror.RateLimited(string(res.Reason), res.RetryAfter, res.Limit, res.Remaining)
	}

	// 9. Referer.
	if e := checkReferer(r.Header.Get("Referer"), project, s.AllowMissingReferer); e != nil {
		return sc, e
	}

	// 10. Source URL.
	imageURL, err := upstream.NormalizeSourceURL(sc.ImagePath, s.DefaultSourceScheme)
	if err != nil {
		return sc, apierror.BadRequest("invalid_image_url", "invalid image url").WithCause(err)
	}
	if err := s.SourcePolicy.CheckScheme(imageURL); err != nil {
		return sc, apierror.BadRequest("invalid_image_url", "image url scheme is not allowed").WithCause(err)
	}
	sc.ImageURL = imageURL

	// 11. Source host.
	host := imageURL.Hostname()
	if len(apiKey.AllowedSourceDomains) > 0 && !upstream.MatchDomain(host, apiKey.AllowedSourceDomains) {
		return sc, apierror.Forbidden("source_domain", "source domain is not allowed for this key")
	}
	if err := s.SourcePolicy.CheckHost(imageURL); err != nil {
		return sc, apierror.Forbidden("source_domain", "source host is not allowed").WithCause(err)
	}

	return sc, nil
}

// parsePath splits "{prefix}{projectSlug}/{operations}/{imagePath...}".
func parsePath(path, prefix string, sc *SignedRequestContext) *apierror.Error {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return apierror.BadRequest("invalid_path", "invalid path")
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return apierror.BadRequest("invalid_path", "invalid path")
	}
	ops, err := transform.ParseOperations(parts[1])
	if err != nil {
		return apierror.BadRequest("invalid_operations", err.Error()).WithCause(err)
	}
	sc.ProjectSlug = parts[0]
	sc.RawOperations = parts[1]
	sc.Operations = ops
	sc.ImagePath = parts[2]
	return nil
}

func checkReferer(referer string, project *model.ProjectConfig, allowMissing bool) *apierror.Error {
	if !project.RestrictsReferer() {
		return nil
	}
	if referer == "" {
		if allowMissing {
			return nil
		}
		return apierror.Forbidden("referer", "referer is required for this project")
	}
	u, err := url.Parse(referer)
	if err != nil || !upstream.MatchDomain(u.Hostname(), project.AllowedRefererDomains) {
		return apierror.Forbidden("referer", "referer is not allowed for this project")
	}
	return nil
}
