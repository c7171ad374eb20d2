// Package cache stores tool responses for a limited time, in process memory
// or in Redis.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is a byte-value cache with per-entry TTL.
type Store interface {
	// Get returns the value and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl. A ttl <= 0 keeps the entry until evicted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "memory" (default), "redis" or "none".
	Backend string `yaml:"backend"`

	// MaxEntries bounds the memory backend.
	MaxEntries int `yaml:"max_entries"`

	Redis RedisConfig `yaml:"redis"`
}

// New builds the configured store. Backend "none" returns a nil Store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(MemoryOptions{MaxEntries: cfg.MaxEntries}), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Key joins parts into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
