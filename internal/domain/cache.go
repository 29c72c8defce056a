package domain

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value cache used as a read-through layer in
// front of user profiles. Local LRU (community) or Redis (pro), optionally
// stacked as two phases.
type Cache interface {
	// Get returns nil, nil if the key is not present.
	Get(ctx context.Context, key string) ([]byte, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type" json:"type"`

	// Local LRU cache settings (community tier)
	LocalMaxSize int           `mapstructure:"local_max_size" json:"localMaxSize"`
	LocalTTL     time.Duration `mapstructure:"local_ttl" json:"localTtl"`

	// Redis settings (pro tier)
	RedisAddr     string `mapstructure:"redis_addr" json:"redisAddr"`
	RedisPassword string `mapstructure:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `mapstructure:"enable_two_phase" json:"enableTwoPhase"` // check local first, then Redis

	// ProfileTTL bounds how long a cached profile may lag behind the store.
	ProfileTTL time.Duration `mapstructure:"profile_ttl" json:"profileTtl"`
}
