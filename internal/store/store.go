// Package store is the PostgreSQL source of record for projects, API keys,
// and request logs. It is read on config-cache misses and written by the
// telemetry pipeline; request handlers never call it directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/config"
	"github.com/EricTsai83/optstuff-sub000/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
}

// Store reads and writes gateway state in PostgreSQL.
type Store struct {
	db DB
}

// New wraps db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open creates a connection pool from cfg and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL.Value())
	if err != nil {
		// The DSN carries credentials; never echo it.
		return nil, errors.New("store: invalid database.url")
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConnLifetime = config.MustParseDuration(cfg.MaxConnLifetime, 30*time.Minute)
	pcfg.ConnConfig.ConnectTimeout = config.MustParseDuration(cfg.ConnectTimeout, 5*time.Second)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// Ping checks database connectivity. Used by deep readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

const projectColumns = `p.id, p.slug, p.team_id, p.allowed_referer_domains`

// ProjectBySlug resolves a project by its slug.
func (s *Store) ProjectBySlug(ctx context.Context, slug string) (*model.ProjectConfig, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects p WHERE p.slug = $1 ORDER BY p.created_at LIMIT 1`,
		slug)
	return scanProject(row, "slug "+slug)
}

// ProjectByTeamAndSlug resolves a project by its team slug and project slug.
func (s *Store) ProjectByTeamAndSlug(ctx context.Context, teamSlug, projectSlug string) (*model.ProjectConfig, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects p JOIN teams t ON t.id = p.team_id
		 WHERE t.slug = $1 AND p.slug = $2`,
		teamSlug, projectSlug)
	return scanProject(row, "team "+teamSlug+" slug "+projectSlug)
}

// ProjectIDsBySlug returns the IDs of every project using slug. Slugs are
// unique per team, so several teams may share one.
func (s *Store) ProjectIDsBySlug(ctx context.Context, slug string) ([]string, error) {
	var ids []string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(array_agg(p.id::text ORDER BY p.id), '{}') FROM projects p WHERE p.slug = $1`,
		slug).Scan(&ids)
	if err != nil {
		return nil, fmt.Errorf("store: project ids for slug %s: %w", slug, err)
	}
	return ids, nil
}

// ProjectByID resolves a project by primary key.
func (s *Store) ProjectByID(ctx context.Context, id string) (*model.ProjectConfig, error) {
	row := s.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id = $1`, id)
	return scanProject(row, "id "+id)
}

func scanProject(row pgx.Row, what string) (*model.ProjectConfig, error) {
	var p model.ProjectConfig
	if err := row.Scan(&p.ID, &p.Slug, &p.TeamID, &p.AllowedRefererDomains); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: project %s: %w", what, err)
	}
	return &p, nil
}

// TouchProject records request activity on a project.
func (s *Store) TouchProject(ctx context.Context, projectID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE projects SET last_activity_at = $2 WHERE id = $1`, projectID, at)
	if err != nil {
		return fmt.Errorf("store: touch project %s: %w", projectID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// APIKeyRecord is an API key row with its secret still sealed. The config
// cache stores records in this form so plaintext secrets never reach Redis.
type APIKeyRecord struct {
	ID                   string
	KeyPrefix            string
	SealedSecret         string
	ProjectID            string
	AllowedSourceDomains []string
	ExpiresAt            *time.Time
	RevokedAt            *time.Time
	RateLimitPerMinute   int64
	RateLimitPerDay      int64
}

// APIKeyByPrefix resolves an API key by its public prefix.
func (s *Store) APIKeyByPrefix(ctx context.Context, prefix string) (*APIKeyRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, key_prefix, secret_key, project_id, allowed_source_domains,
		        expires_at, revoked_at, rate_limit_per_minute, rate_limit_per_day
		 FROM api_keys WHERE key_prefix = $1`,
		prefix)

	var (
		rec       APIKeyRecord
		expiresAt pgtype.Timestamptz
		revokedAt pgtype.Timestamptz
		perMinute pgtype.Int8
		perDay    pgtype.Int8
	)
	err := row.Scan(&rec.ID, &rec.KeyPrefix, &rec.SealedSecret, &rec.ProjectID, &rec.AllowedSourceDomains,
		&expiresAt, &revokedAt, &perMinute, &perDay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: api key %s: %w", prefix, err)
	}

	rec.ExpiresAt = timePtr(expiresAt)
	rec.RevokedAt = timePtr(revokedAt)
	if perMinute.Valid {
		rec.RateLimitPerMinute = perMinute.Int64
	}
	if perDay.Valid {
		rec.RateLimitPerDay = perDay.Int64
	}
	return &rec, nil
}

// TouchAPIKey records the last time a key authorized a request.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("store: touch api key %s: %w", keyID, err)
	}
	return nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

// ---------------------------------------------------------------------------
// Request logs
// ---------------------------------------------------------------------------

var requestLogColumns = []string{
	"id", "request_id", "project_id", "api_key_id", "source_url", "status", "http_status",
	"reason", "processing_time_ms", "original_size", "optimized_size", "format", "created_at",
}

// InsertRequestLogs bulk-inserts rows with COPY.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []model.RequestLog) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"request_logs"}, requestLogColumns,
		pgx.CopyFromSlice(len(logs), func(i int) ([]any, error) {
			l := logs[i]
			return []any{
				l.ID, nullString(l.RequestID), l.ProjectID, nullString(l.APIKeyID), l.SourceURL,
				l.Status, l.HTTPStatus, nullString(l.Reason), l.ProcessingTimeMs,
				l.OriginalSize, l.OptimizedSize, nullString(l.Format), l.CreatedAt,
			}, nil
		}))
	if err != nil {
		return n, fmt.Errorf("store: copy request logs: %w", err)
	}
	return n, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
