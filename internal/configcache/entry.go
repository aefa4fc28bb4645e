package configcache

import (
	"fmt"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/model"
	"github.com/EricTsai83/optstuff-sub000/internal/store"
)

// projectDTO is the cached form of a project.
type projectDTO struct {
	ID                    string   `json:"id"`
	Slug                  string   `json:"slug"`
	TeamID                string   `json:"teamId"`
	AllowedRefererDomains []string `json:"allowedRefererDomains"`
}

func projectToDTO(p *model.ProjectConfig) *projectDTO {
	return &projectDTO{
		ID:                    p.ID,
		Slug:                  p.Slug,
		TeamID:                p.TeamID,
		AllowedRefererDomains: p.AllowedRefererDomains,
	}
}

func (d *projectDTO) model() *model.ProjectConfig {
	return &model.ProjectConfig{
		ID:                    d.ID,
		Slug:                  d.Slug,
		TeamID:                d.TeamID,
		AllowedRefererDomains: d.AllowedRefererDomains,
	}
}

// apiKeyDTO is the cached form of an API key. The secret stays sealed and
// timestamps are RFC 3339 strings.
type apiKeyDTO struct {
	ID                   string   `json:"id"`
	KeyPrefix            string   `json:"keyPrefix"`
	SecretKey            string   `json:"secretKey"`
	ProjectID            string   `json:"projectId"`
	AllowedSourceDomains []string `json:"allowedSourceDomains"`
	ExpiresAt            *string  `json:"expiresAt"`
	RevokedAt            *string  `json:"revokedAt"`
	RateLimitPerMinute   int64    `json:"rateLimitPerMinute"`
	RateLimitPerDay      int64    `json:"rateLimitPerDay"`
}

func apiKeyToDTO(r *store.APIKeyRecord) *apiKeyDTO {
	return &apiKeyDTO{
		ID:                   r.ID,
		KeyPrefix:            r.KeyPrefix,
		SecretKey:            r.SealedSecret,
		ProjectID:            r.ProjectID,
		AllowedSourceDomains: r.AllowedSourceDomains,
		ExpiresAt:            formatTime(r.ExpiresAt),
		RevokedAt:            formatTime(r.RevokedAt),
		RateLimitPerMinute:   r.RateLimitPerMinute,
		RateLimitPerDay:      r.RateLimitPerDay,
	}
}

// model converts everything except the secret, which the caller opens.
func (d *apiKeyDTO) model() (*model.APIKeyConfig, error) {
	expiresAt, err := parseTime(d.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("expiresAt: %w", err)
	}
	revokedAt, err := parseTime(d.RevokedAt)
	if err != nil {
		return nil, fmt.Errorf("revokedAt: %w", err)
	}
	return &model.APIKeyConfig{
		ID:                   d.ID,
		KeyPrefix:            d.KeyPrefix,
		ProjectID:            d.ProjectID,
		AllowedSourceDomains: d.AllowedSourceDomains,
		ExpiresAt:            expiresAt,
		RevokedAt:            revokedAt,
		RateLimitPerMinute:   d.RateLimitPerMinute,
		RateLimitPerDay:      d.RateLimitPerDay,
	}, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
