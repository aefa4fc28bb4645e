// Package admin serves the config-cache administration endpoints on the
// admin listener.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/EricTsai83/optstuff-sub000/internal/apierror"
)

// CacheInvalidator is the part of the config cache the endpoints drive.
// *configcache.Cache satisfies it.
type CacheInvalidator interface {
	InvalidateProjectCache(ctx context.Context, slug string) error
	InvalidateAPIKeyCache(ctx context.Context, prefix string) error
	ClearProjectCache(ctx context.Context) (int64, error)
	ClearAPIKeyCache(ctx context.Context) (int64, error)
	ClearAll(ctx context.Context) (int64, error)
}

// Handler serves:
//
//	POST   /admin/cache/projects/{slug}/invalidate
//	POST   /admin/cache/keys/{prefix}/invalidate
//	DELETE /admin/cache[?scope=projects|keys]
type Handler struct {
	cache  CacheInvalidator
	token  atomic.Pointer[string]
	logger *slog.Logger
}

// NewHandler creates the admin handler. An empty token leaves the endpoints
// unauthenticated.
func NewHandler(cache CacheInvalidator, token string, logger *slog.Logger) *Handler {
	h := &Handler{cache: cache, logger: logger.With("component", "admin")}
	h.SetToken(token)
	return h
}

// SetToken swaps the bearer token. Safe for concurrent use.
func (h *Handler) SetToken(token string) {
	h.token.Store(&token)
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /admin/cache/projects/{slug}/invalidate", h.guard(h.invalidateProject))
	mux.Handle("POST /admin/cache/keys/{prefix}/invalidate", h.guard(h.invalidateKey))
	mux.Handle("DELETE /admin/cache", h.guard(h.clear))
}

func (h *Handler) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := *h.token.Load()
		if want == "" {
			next(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="optstuff-admin"`)
			apierror.Write(w, r, apierror.Unauthorized("admin_token", "missing bearer token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			apierror.Write(w, r, apierror.Forbidden("admin_token", "invalid bearer token"))
			return
		}
		next(w, r)
	})
}

func (h *Handler) invalidateProject(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if err := h.cache.InvalidateProjectCache(r.Context(), slug); err != nil {
		h.fail(w, r, "invalidate project", err)
		return
	}
	h.logger.Info("project cache invalidated", "slug", slug)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "project": slug})
}

func (h *Handler) invalidateKey(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	if err := h.cache.InvalidateAPIKeyCache(r.Context(), prefix); err != nil {
		h.fail(w, r, "invalidate api key", err)
		return
	}
	h.logger.Info("api key cache invalidated", "key_prefix", prefix)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "key_prefix": prefix})
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")

	var (
		n   int64
		err error
	)
	switch scope {
	case "":
		scope = "all"
		n, err = h.cache.ClearAll(r.Context())
	case "projects":
		n, err = h.cache.ClearProjectCache(r.Context())
	case "keys":
		n, err = h.cache.ClearAPIKeyCache(r.Context())
	default:
		apierror.Write(w, r, &apierror.Error{
			Kind: apierror.KindValidation, Status: http.StatusBadRequest, Reason: "scope",
			Message: "scope must be projects or keys",
		})
		return
	}
	if err != nil {
		h.fail(w, r, "clear cache", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scope": scope, "deleted": n})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("cache administration failed", "op", op, "error", err)
	apierror.Write(w, r, apierror.Unavailable("cache_unavailable", "cache backend unavailable").WithCause(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
