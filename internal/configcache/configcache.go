// Package configcache resolves project and API-key configuration with a
// cache-aside layer in Redis over the PostgreSQL source of record.
//
// Found values are cached for the positive TTL (60s by default). Lookups
// that match nothing store a sentinel for the shorter negative TTL (10s), so
// probing of unknown slugs or prefixes stays off the database while newly
// created resources become resolvable quickly. Source-of-record errors are
// never cached. Redis errors degrade to direct source reads.
package configcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/model"
	"github.com/EricTsai83/optstuff-sub000/internal/redis"
	"github.com/EricTsai83/optstuff-sub000/internal/store"
	"golang.org/x/sync/singleflight"
)

// NotFoundSentinel marks a confirmed-missing entry. Serialized configs are
// JSON objects and always start with '{'.
const NotFoundSentinel = "!notfound"

// ErrNotFound is returned when the source of record has no matching row.
var ErrNotFound = errors.New("configcache: not found")

const (
	defaultKeyPrefix   = "optstuff:cfg:"
	defaultPositiveTTL = 60 * time.Second
	defaultNegativeTTL = 10 * time.Second
)

// Lookup kinds, used as metric labels.
const (
	KindProject = "project"
	KindAPIKey  = "apikey"
)

// Source is the source of record. *store.Store satisfies it.
type Source interface {
	ProjectBySlug(ctx context.Context, slug string) (*model.ProjectConfig, error)
	ProjectByTeamAndSlug(ctx context.Context, teamSlug, projectSlug string) (*model.ProjectConfig, error)
	ProjectByID(ctx context.Context, id string) (*model.ProjectConfig, error)
	ProjectIDsBySlug(ctx context.Context, slug string) ([]string, error)
	APIKeyByPrefix(ctx context.Context, prefix string) (*store.APIKeyRecord, error)
}

// Cache is the config cache.
type Cache struct {
	client      redis.Client
	source      Source
	box         *store.SecretBox
	prefix      string
	positiveTTL time.Duration
	negativeTTL time.Duration
	group       *singleflight.Group
	logger      *slog.Logger

	OnHit         func(kind string)
	OnNegativeHit func(kind string)
	OnMiss        func(kind string)
	OnRedisError  func(kind string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithKeyPrefix namespaces every Redis key.
func WithKeyPrefix(p string) Option {
	return func(c *Cache) { c.prefix = p }
}

// WithTTLs overrides the positive and negative TTLs. Non-positive values
// keep the defaults.
func WithTTLs(positive, negative time.Duration) Option {
	return func(c *Cache) {
		if positive > 0 {
			c.positiveTTL = positive
		}
		if negative > 0 {
			c.negativeTTL = negative
		}
	}
}

// WithCoalescing collapses concurrent misses for the same key into one
// source read.
func WithCoalescing(on bool) Option {
	return func(c *Cache) {
		if on {
			c.group = &singleflight.Group{}
		} else {
			c.group = nil
		}
	}
}

// WithSecretBox sets the box used to open API-key secrets after every read.
func WithSecretBox(b *store.SecretBox) Option {
	return func(c *Cache) { c.box = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a Cache.
func New(client redis.Client, source Source, opts ...Option) *Cache {
	c := &Cache{
		client:      client,
		source:      source,
		prefix:      defaultKeyPrefix,
		positiveTTL: defaultPositiveTTL,
		negativeTTL: defaultNegativeTTL,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) projectSlugKey(slug string) string { return c.prefix + "project:slug:" + slug }
func (c *Cache) projectIDKey(id string) string     { return c.prefix + "project:id:" + id }
func (c *Cache) apiKeyKey(prefix string) string    { return c.prefix + "apikey:" + prefix }
func (c *Cache) projectTeamKey(team, slug string) string {
	return c.prefix + "project:team:" + team + ":" + slug
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// ProjectBySlug resolves a project by slug.
func (c *Cache) ProjectBySlug(ctx context.Context, slug string) (*model.ProjectConfig, error) {
	d, err := lookup(ctx, c, KindProject, c.projectSlugKey(slug), func(ctx context.Context) (*projectDTO, error) {
		return projectFromSource(c.source.ProjectBySlug(ctx, slug))
	})
	if err != nil {
		return nil, err
	}
	return d.model(), nil
}

// ProjectByTeamAndSlug resolves a project by team slug and project slug.
func (c *Cache) ProjectByTeamAndSlug(ctx context.Context, teamSlug, projectSlug string) (*model.ProjectConfig, error) {
	key := c.projectTeamKey(teamSlug, projectSlug)
	d, err := lookup(ctx, c, KindProject, key, func(ctx context.Context) (*projectDTO, error) {
		return projectFromSource(c.source.ProjectByTeamAndSlug(ctx, teamSlug, projectSlug))
	})
	if err != nil {
		return nil, err
	}
	return d.model(), nil
}

// ProjectByID resolves a project by primary key. The request validator
// resolves projects this way, from the API key's project ID.
func (c *Cache) ProjectByID(ctx context.Context, id string) (*model.ProjectConfig, error) {
	d, err := lookup(ctx, c, KindProject, c.projectIDKey(id), func(ctx context.Context) (*projectDTO, error) {
		return projectFromSource(c.source.ProjectByID(ctx, id))
	})
	if err != nil {
		return nil, err
	}
	return d.model(), nil
}

// APIKeyByPrefix resolves an API key by its public prefix. The secret is
// cached sealed and opened after every read.
func (c *Cache) APIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKeyConfig, error) {
	d, err := lookup(ctx, c, KindAPIKey, c.apiKeyKey(prefix), func(ctx context.Context) (*apiKeyDTO, error) {
		rec, err := c.source.APIKeyByPrefix(ctx, prefix)
		if err != nil {
			return nil, err
		}
		return apiKeyToDTO(rec), nil
	})
	if err != nil {
		return nil, err
	}

	key, err := d.model()
	if err != nil {
		return nil, fmt.Errorf("configcache: api key %s: %w", prefix, err)
	}
	secret, err := c.box.Open(d.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("configcache: api key %s: %w", prefix, err)
	}
	key.SecretKey = secret
	return key, nil
}

func projectFromSource(p *model.ProjectConfig, err error) (*projectDTO, error) {
	if err != nil {
		return nil, err
	}
	return projectToDTO(p), nil
}

// lookup implements cache-aside for one key.
func lookup[D any](ctx context.Context, c *Cache, kind, key string, load func(context.Context) (*D, error)) (*D, error) {
	degraded := false
	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil && raw == NotFoundSentinel:
		c.hook(c.OnNegativeHit, kind)
		return nil, ErrNotFound
	case err == nil:
		var d D
		jerr := json.Unmarshal([]byte(raw), &d)
		if jerr == nil {
			c.hook(c.OnHit, kind)
			return &d, nil
		}
		c.logger.Warn("config cache: discarding undecodable entry", "kind", kind, "error", jerr)
	case redis.IsNil(err):
	default:
		degraded = true
		c.hook(c.OnRedisError, kind)
		c.logger.Warn("config cache: redis read failed, using source of record", "kind", kind, "error", err)
	}

	c.hook(c.OnMiss, kind)
	v, err := c.loadShared(ctx, key, func(ctx context.Context) (any, error) { return load(ctx) })
	if errors.Is(err, store.ErrNotFound) {
		if !degraded {
			c.write(ctx, kind, key, NotFoundSentinel, c.negativeTTL)
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("configcache: %s lookup: %w", kind, err)
	}
	d := v.(*D)

	if !degraded {
		if data, merr := json.Marshal(d); merr == nil {
			c.write(ctx, kind, key, string(data), c.positiveTTL)
		}
	}
	return d, nil
}

// sourceTimeout bounds a coalesced source read, which no longer follows any
// single caller's deadline.
const sourceTimeout = 5 * time.Second

// loadShared reads from the source, coalescing concurrent callers when enabled.
func (c *Cache) loadShared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if c.group == nil {
		return fn(ctx)
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sourceTimeout)
		defer cancel()
		return fn(ctx)
	})
	return v, err
}

func (c *Cache) write(ctx context.Context, kind, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.hook(c.OnRedisError, kind)
		c.logger.Warn("config cache: redis write failed", "kind", kind, "error", err)
	}
}

func (c *Cache) hook(fn func(string), kind string) {
	if fn != nil {
		fn(kind)
	}
}

// ---------------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------------

// InvalidateProjectCache removes every cached shape of the projects with
// the given slug: the slug entry, all team+slug entries, and the ID entry of
// every project using the slug in any team. Callers invoke it after
// committing a project mutation.
func (c *Cache) InvalidateProjectCache(ctx context.Context, slug string) error {
	keys := []string{c.projectSlugKey(slug)}
	teamKeys, err := redis.ScanKeys(ctx, c.client, escapeGlob(c.prefix)+"project:team:*:"+escapeGlob(slug))
	if err != nil {
		return fmt.Errorf("configcache: invalidate project %s: %w", slug, err)
	}
	keys = append(keys, teamKeys...)

	ids := make(map[string]struct{})
	for _, k := range keys {
		if id := c.cachedProjectID(ctx, k); id != "" {
			ids[id] = struct{}{}
		}
	}
	// The validator caches projects by ID only, so the slug shapes may be
	// empty while ID entries are live.
	sourceIDs, srcErr := c.source.ProjectIDsBySlug(ctx, slug)
	for _, id := range sourceIDs {
		ids[id] = struct{}{}
	}
	for id := range ids {
		keys = append(keys, c.projectIDKey(id))
	}

	if err := c.del(ctx, keys); err != nil {
		return fmt.Errorf("configcache: invalidate project %s: %w", slug, err)
	}
	if srcErr != nil {
		return fmt.Errorf("configcache: invalidate project %s: resolve ids: %w", slug, srcErr)
	}
	c.logger.Debug("config cache: project invalidated", "slug", slug, "keys", len(keys))
	return nil
}

// InvalidateProjectByID removes the ID entry of a project and, when its slug
// is known from the cache, every slug-shaped entry too.
func (c *Cache) InvalidateProjectByID(ctx context.Context, id string) error {
	idKey := c.projectIDKey(id)
	if raw, err := c.client.Get(ctx, idKey).Result(); err == nil && raw != NotFoundSentinel {
		var d projectDTO
		if json.Unmarshal([]byte(raw), &d) == nil && d.Slug != "" {
			return c.InvalidateProjectCache(ctx, d.Slug)
		}
	}
	if err := c.client.Del(ctx, idKey).Err(); err != nil {
		return fmt.Errorf("configcache: invalidate project id %s: %w", id, err)
	}
	return nil
}

// InvalidateAPIKeyCache removes the cached entry for an API-key prefix.
// Callers invoke it after rotating, revoking, or updating a key.
func (c *Cache) InvalidateAPIKeyCache(ctx context.Context, prefix string) error {
	if err := c.client.Del(ctx, c.apiKeyKey(prefix)).Err(); err != nil {
		return fmt.Errorf("configcache: invalidate api key %s: %w", prefix, err)
	}
	c.logger.Debug("config cache: api key invalidated", "key_prefix", prefix)
	return nil
}

// ClearProjectCache removes every cached project entry.
func (c *Cache) ClearProjectCache(ctx context.Context) (int64, error) {
	return c.clear(ctx, escapeGlob(c.prefix)+"project:*")
}

// ClearAPIKeyCache removes every cached API-key entry.
func (c *Cache) ClearAPIKeyCache(ctx context.Context) (int64, error) {
	return c.clear(ctx, escapeGlob(c.prefix)+"apikey:*")
}

// ClearAll removes every entry under the cache prefix.
func (c *Cache) ClearAll(ctx context.Context) (int64, error) {
	return c.clear(ctx, escapeGlob(c.prefix)+"*")
}

func (c *Cache) clear(ctx context.Context, pattern string) (int64, error) {
	n, err := redis.DeleteMatching(ctx, c.client, pattern)
	if err != nil {
		return n, fmt.Errorf("configcache: clear: %w", err)
	}
	c.logger.Info("config cache cleared", "pattern", pattern, "deleted", n)
	return n, nil
}

func (c *Cache) cachedProjectID(ctx context.Context, key string) string {
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil || raw == NotFoundSentinel {
		return ""
	}
	var d projectDTO
	if json.Unmarshal([]byte(raw), &d) != nil {
		return ""
	}
	return d.ID
}

// del removes keys one at a time so cluster deployments never see a
// cross-slot DEL.
func (c *Cache) del(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := c.client.Del(ctx, k).Err(); err != nil {
			return err
		}
	}
	return nil
}

// escapeGlob escapes Redis MATCH metacharacters.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
