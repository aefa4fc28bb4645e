package configcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/model"
	"github.com/EricTsai83/optstuff-sub000/internal/store"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory source of record that counts reads.
type fakeSource struct {
	mu       sync.Mutex
	projects map[string]*model.ProjectConfig // by ID
	teams    map[string]string               // team ID -> team slug
	keys     map[string]*store.APIKeyRecord  // by prefix
	err      error
	reads    atomic.Int64
	block    chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		projects: map[string]*model.ProjectConfig{},
		teams:    map[string]string{},
		keys:     map[string]*store.APIKeyRecord{},
	}
}

func (f *fakeSource) enter() error {
	f.reads.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSource) find(match func(*model.ProjectConfig) bool) (*model.ProjectConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.projects {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSource) ProjectBySlug(_ context.Context, slug string) (*model.ProjectConfig, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	return f.find(func(p *model.ProjectConfig) bool { return p.Slug == slug })
}

func (f *fakeSource) ProjectByTeamAndSlug(_ context.Context, team, slug string) (*model.ProjectConfig, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	return f.find(func(p *model.ProjectConfig) bool { return p.Slug == slug && f.teams[p.TeamID] == team })
}

func (f *fakeSource) ProjectByID(_ context.Context, id string) (*model.ProjectConfig, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	return f.find(func(p *model.ProjectConfig) bool { return p.ID == id })
}

func (f *fakeSource) ProjectIDsBySlug(_ context.Context, slug string) ([]string, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, p := range f.projects {
		if p.Slug == slug {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func (f *fakeSource) APIKeyByPrefix(_ context.Context, prefix string) (*store.APIKeyRecord, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.keys[prefix]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeSource) putProject(p *model.ProjectConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
}

func (f *fakeSource) putKey(r *store.APIKeyRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[r.KeyPrefix] = r
}

func setup(t *testing.T, opts ...Option) (*miniredis.Miniredis, *fakeSource, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	src := newFakeSource()
	src.teams["t1"] = "acme"
	return mr, src, New(client, src, opts...)
}

func TestProjectBySlug_CacheAside(t *testing.T) {
	mr, src, c := setup(t)
	ctx := context.Background()
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1", AllowedRefererDomains: []string{"example.com"}})

	p, err := c.ProjectBySlug(ctx, "gallery")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, []string{"example.com"}, p.AllowedRefererDomains)

	p, err = c.ProjectBySlug(ctx, "gallery")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, int64(1), src.reads.Load())

	assert.Equal(t, 60*time.Second, mr.TTL("optstuff:cfg:project:slug:gallery"))
	raw, err := mr.Get("optstuff:cfg:project:slug:gallery")
	require.NoError(t, err)
	assert.True(t, raw[0] == '{')
}

func TestProjectLookups_SeparateShapes(t *testing.T) {
	mr, src, c := setup(t)
	ctx := context.Background()
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})

	p, err := c.ProjectByTeamAndSlug(ctx, "acme", "gallery")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Nil(t, p.AllowedRefererDomains)

	p, err = c.ProjectByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "gallery", p.Slug)

	assert.True(t, mr.Exists("optstuff:cfg:project:team:acme:gallery"))
	assert.True(t, mr.Exists("optstuff:cfg:project:id:p1"))

	_, err = c.ProjectByTeamAndSlug(ctx, "other", "gallery")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNegativeCache(t *testing.T) {
	mr, src, c := setup(t)
	ctx := context.Background()

	_, err := c.ProjectBySlug(ctx, "new-project")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.ProjectBySlug(ctx, "new-project")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), src.reads.Load(), "second miss served from sentinel")

	raw, err := mr.Get("optstuff:cfg:project:slug:new-project")
	require.NoError(t, err)
	assert.Equal(t, NotFoundSentinel, raw)
	assert.Equal(t, 10*time.Second, mr.TTL("optstuff:cfg:project:slug:new-project"))

	// The project is created; without any invalidation it resolves once the
	// sentinel lapses.
	src.putProject(&model.ProjectConfig{ID: "p9", Slug: "new-project", TeamID: "t1"})
	_, err = c.ProjectBySlug(ctx, "new-project")
	require.ErrorIs(t, err, ErrNotFound)

	mr.FastForward(10 * time.Second)

	p, err := c.ProjectBySlug(ctx, "new-project")
	require.NoError(t, err)
	assert.Equal(t, "p9", p.ID)
}

func TestSourceErrorNotCached(t *testing.T) {
	mr, src, c := setup(t)
	src.err = errors.New("connection reset by peer")

	_, err := c.ProjectBySlug(context.Background(), "gallery")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("optstuff:cfg:project:slug:gallery"))
}

func TestRedisFailureDegradesToSource(t *testing.T) {
	mr, src, c := setup(t)
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})

	var redisErrors atomic.Int64
	c.OnRedisError = func(string) { redisErrors.Add(1) }

	// Open a pooled connection first; the injected error also hits HELLO.
	require.NoError(t, c.client.Ping(context.Background()).Err())
	mr.SetError("ERR injected failure")
	p, err := c.ProjectBySlug(context.Background(), "gallery")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, int64(1), redisErrors.Load())

	mr.SetError("")
	assert.False(t, mr.Exists("optstuff:cfg:project:slug:gallery"), "degraded reads do not write back")
}

func TestUndecodableEntryIsReplaced(t *testing.T) {
	mr, src, c := setup(t)
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})
	require.NoError(t, mr.Set("optstuff:cfg:project:slug:gallery", "{not json"))

	p, err := c.ProjectBySlug(context.Background(), "gallery")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	raw, _ := mr.Get("optstuff:cfg:project:slug:gallery")
	assert.Contains(t, raw, `"id":"p1"`)
}

func TestAPIKeyByPrefix(t *testing.T) {
	box, err := store.NewSecretBox("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	mr, src, c := setup(t, WithSecretBox(box))
	ctx := context.Background()

	sealed, err := box.Seal("sk_live_topsecret")
	require.NoError(t, err)
	expires := time.Date(2027, 6, 1, 8, 30, 0, 0, time.UTC)
	src.putKey(&store.APIKeyRecord{
		ID: "k1", KeyPrefix: "pk_abc", SealedSecret: sealed, ProjectID: "p1",
		AllowedSourceDomains: []string{"images.example.com"}, ExpiresAt: &expires,
		RateLimitPerMinute: 60, RateLimitPerDay: 10000,
	})

	for range 2 {
		k, err := c.APIKeyByPrefix(ctx, "pk_abc")
		require.NoError(t, err)
		assert.Equal(t, "k1", k.ID)
		assert.Equal(t, []byte("sk_live_topsecret"), k.SecretKey.Reveal())
		require.NotNil(t, k.ExpiresAt)
		assert.True(t, k.ExpiresAt.Equal(expires))
		assert.Nil(t, k.RevokedAt)
		assert.Equal(t, int64(60), k.RateLimitPerMinute)
	}
	assert.Equal(t, int64(1), src.reads.Load())

	raw, err := mr.Get("optstuff:cfg:apikey:pk_abc")
	require.NoError(t, err)
	assert.NotContains(t, raw, "topsecret")
	assert.Contains(t, raw, `"expiresAt":"2027-06-01T08:30:00Z"`)
	assert.Equal(t, 60*time.Second, mr.TTL("optstuff:cfg:apikey:pk_abc"))

	_, err = c.APIKeyByPrefix(ctx, "pk_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokedKeyVisibleAfterInvalidation(t *testing.T) {
	_, src, c := setup(t)
	ctx := context.Background()
	src.putKey(&store.APIKeyRecord{ID: "k1", KeyPrefix: "pk_abc", SealedSecret: "plain", ProjectID: "p1"})

	k, err := c.APIKeyByPrefix(ctx, "pk_abc")
	require.NoError(t, err)
	assert.False(t, k.Revoked())

	revoked := time.Now().Add(-time.Second)
	src.putKey(&store.APIKeyRecord{ID: "k1", KeyPrefix: "pk_abc", SealedSecret: "plain", ProjectID: "p1", RevokedAt: &revoked})

	k, err = c.APIKeyByPrefix(ctx, "pk_abc")
	require.NoError(t, err)
	assert.False(t, k.Revoked(), "stale within the positive TTL")

	require.NoError(t, c.InvalidateAPIKeyCache(ctx, "pk_abc"))

	k, err = c.APIKeyByPrefix(ctx, "pk_abc")
	require.NoError(t, err)
	assert.True(t, k.Revoked())
}

func TestSealedSecretWithoutBox(t *testing.T) {
	_, src, c := setup(t)
	src.putKey(&store.APIKeyRecord{ID: "k1", KeyPrefix: "pk_abc", SealedSecret: "enc:v1:AAAA", ProjectID: "p1"})

	_, err := c.APIKeyByPrefix(context.Background(), "pk_abc")
	require.ErrorIs(t, err, store.ErrSealedSecret)
	assert.NotContains(t, err.Error(), "AAAA")
}

func TestInvalidateProjectCache(t *testing.T) {
	mr, src, c := setup(t)
	ctx := context.Background()
	src.teams["t2"] = "globex"
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})
	src.putProject(&model.ProjectConfig{ID: "p2", Slug: "shop", TeamID: "t2"})

	_, err := c.ProjectBySlug(ctx, "gallery")
	require.NoError(t, err)
	_, err = c.ProjectByTeamAndSlug(ctx, "acme", "gallery")
	require.NoError(t, err)
	_, err = c.ProjectByID(ctx, "p1")
	require.NoError(t, err)
	_, err = c.ProjectByTeamAndSlug(ctx, "globex", "shop")
	require.NoError(t, err)

	require.NoError(t, c.InvalidateProjectCache(ctx, "gallery"))

	assert.False(t, mr.Exists("optstuff:cfg:project:slug:gallery"))
	assert.False(t, mr.Exists("optstuff:cfg:project:team:acme:gallery"))
	assert.False(t, mr.Exists("optstuff:cfg:project:id:p1"))
	assert.True(t, mr.Exists("optstuff:cfg:project:team:globex:shop"))
}

func TestInvalidateProjectCache_SlugSharedAcrossTeams(t *testing.T) {
	_, src, c := setup(t)
	ctx := context.Background()
	src.teams["t2"] = "globex"
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "shop", TeamID: "t1"})
	src.putProject(&model.ProjectConfig{ID: "p2", Slug: "shop", TeamID: "t2"})

	// Only ID entries are cached, as on the request path.
	for _, id := range []string{"p1", "p2"} {
		p, err := c.ProjectByID(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, p.AllowedRefererDomains)
	}

	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "shop", TeamID: "t1", AllowedRefererDomains: []string{"t1.example"}})
	src.putProject(&model.ProjectConfig{ID: "p2", Slug: "shop", TeamID: "t2", AllowedRefererDomains: []string{"t2.example"}})
	require.NoError(t, c.InvalidateProjectCache(ctx, "shop"))

	p1, err := c.ProjectByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1.example"}, p1.AllowedRefererDomains)
	p2, err := c.ProjectByID(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2.example"}, p2.AllowedRefererDomains)
}

func TestInvalidateProjectCache_SourceFailure(t *testing.T) {
	mr, src, c := setup(t)
	ctx := context.Background()
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})
	_, err := c.ProjectBySlug(ctx, "gallery")
	require.NoError(t, err)
	_, err = c.ProjectByID(ctx, "p1")
	require.NoError(t, err)

	src.mu.Lock()
	src.err = errors.New("db down")
	src.mu.Unlock()

	err = c.InvalidateProjectCache(ctx, "gallery")
	require.Error(t, err)
	assert.False(t, mr.Exists("optstuff:cfg:project:slug:gallery"))
	assert.False(t, mr.Exists("optstuff:cfg:project:id:p1"))
}

func TestInvalidateProjectByID(t *testing.T) {
	mr, src, c := setup(t)
	ctx := context.Background()
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})

	_, err := c.ProjectByID(ctx, "p1")
	require.NoError(t, err)
	_, err = c.ProjectBySlug(ctx, "gallery")
	require.NoError(t, err)

	require.NoError(t, c.InvalidateProjectByID(ctx, "p1"))
	assert.False(t, mr.Exists("optstuff:cfg:project:id:p1"))
	assert.False(t, mr.Exists("optstuff:cfg:project:slug:gallery"))

	require.NoError(t, c.InvalidateProjectByID(ctx, "never-cached"))
}

func TestClear(t *testing.T) {
	mr, src, c := setup(t)
	ctx := context.Background()
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})
	src.putKey(&store.APIKeyRecord{ID: "k1", KeyPrefix: "pk_a", SealedSecret: "s", ProjectID: "p1"})
	src.putKey(&store.APIKeyRecord{ID: "k2", KeyPrefix: "pk_b", SealedSecret: "s", ProjectID: "p1"})
	require.NoError(t, mr.Set("unrelated", "x"))

	fill := func() {
		_, _ = c.ProjectBySlug(ctx, "gallery")
		_, _ = c.ProjectByID(ctx, "p1")
		_, _ = c.APIKeyByPrefix(ctx, "pk_a")
		_, _ = c.APIKeyByPrefix(ctx, "pk_b")
	}

	fill()
	n, err := c.ClearAPIKeyCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, mr.Exists("optstuff:cfg:project:id:p1"))

	n, err = c.ClearProjectCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	fill()
	n, err = c.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.True(t, mr.Exists("unrelated"))
}

func TestClear_PrefixWithGlobCharacters(t *testing.T) {
	mr, src, c := setup(t, WithKeyPrefix("cfg[1]:"))
	ctx := context.Background()
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})
	src.putKey(&store.APIKeyRecord{ID: "k1", KeyPrefix: "pk_a", SealedSecret: "s", ProjectID: "p1"})

	_, err := c.ProjectByID(ctx, "p1")
	require.NoError(t, err)
	_, err = c.APIKeyByPrefix(ctx, "pk_a")
	require.NoError(t, err)
	// "cfg[1]:" unescaped would also match these.
	require.NoError(t, mr.Set("cfg1:project:other", "x"))
	require.NoError(t, mr.Set("cfg1:apikey:other", "x"))

	n, err := c.ClearProjectCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.ClearAPIKeyCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.False(t, mr.Exists("cfg[1]:project:id:p1"))
	assert.False(t, mr.Exists("cfg[1]:apikey:pk_a"))
	assert.True(t, mr.Exists("cfg1:project:other"))
	assert.True(t, mr.Exists("cfg1:apikey:other"))
}

func TestCoalescedMisses(t *testing.T) {
	_, src, c := setup(t, WithCoalescing(true))
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})
	src.block = make(chan struct{})

	const callers = 10
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for range callers {
		go func() {
			defer done.Done()
			started.Done()
			p, err := c.ProjectBySlug(context.Background(), "gallery")
			assert.NoError(t, err)
			if p != nil {
				assert.Equal(t, "p1", p.ID)
			}
		}()
	}
	started.Wait()
	time.Sleep(100 * time.Millisecond)
	close(src.block)
	done.Wait()

	assert.Equal(t, int64(1), src.reads.Load())
}

func TestCustomPrefixAndTTLs(t *testing.T) {
	mr, src, c := setup(t, WithKeyPrefix("test:"), WithTTLs(5*time.Second, time.Second))
	src.putProject(&model.ProjectConfig{ID: "p1", Slug: "gallery", TeamID: "t1"})

	_, err := c.ProjectBySlug(context.Background(), "gallery")
	require.NoError(t, err)
	_, err = c.ProjectBySlug(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 5*time.Second, mr.TTL("test:project:slug:gallery"))
	assert.Equal(t, time.Second, mr.TTL("test:project:slug:missing"))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, "plain-slug", escapeGlob("plain-slug"))
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
