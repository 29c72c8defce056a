package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/metrics"
)

// ProfileCache stores JSON-encoded user profiles keyed by user id.
// A nil *ProfileCache is valid and always misses.
type ProfileCache struct {
	c   domain.Cache
	ttl time.Duration
}

// NewProfileCache wraps c. A non-positive ttl falls back to five minutes.
func NewProfileCache(c domain.Cache, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProfileCache{c: c, ttl: ttl}
}

func profileKey(userID string) string {
	return "profile:" + userID
}

// Get returns the cached profile, or nil on a miss. Undecodable entries are
// treated as misses.
func (p *ProfileCache) Get(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if p == nil || p.c == nil {
		return nil, nil
	}

	raw, err := p.c.Get(ctx, profileKey(userID))
	if err != nil {
		metrics.ProfileCacheTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if raw == nil {
		metrics.ProfileCacheTotal.WithLabelValues("miss").Inc()
		return nil, nil
	}

	var profile domain.UserProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		metrics.ProfileCacheTotal.WithLabelValues("miss").Inc()
		_ = p.c.Delete(ctx, profileKey(userID))
		return nil, nil
	}
	metrics.ProfileCacheTotal.WithLabelValues("hit").Inc()
	return &profile, nil
}

// Set caches profile for the configured TTL.
func (p *ProfileCache) Set(ctx context.Context, userID string, profile *domain.UserProfile) error {
	if p == nil || p.c == nil || profile == nil {
		return nil
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return p.c.Set(ctx, profileKey(userID), raw, p.ttl)
}

// Invalidate drops the cached profile so the next read goes to the store.
func (p *ProfileCache) Invalidate(ctx context.Context, userID string) error {
	if p == nil || p.c == nil {
		return nil
	}
	return p.c.Delete(ctx, profileKey(userID))
}
