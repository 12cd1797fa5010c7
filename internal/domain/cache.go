package domain

import (
	"context"
	"time"
)

// Cache stores lookup results (DNS verification, registry prefixes) across
// cycles. Supports an in-process LRU alone or in front of Redis.
// Every key lives in a namespace so that unrelated lookups never collide.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, namespace string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, namespace string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Cache namespaces.
const (
	CacheNamespaceBot     = "bot"
	CacheNamespaceNetwork = "net"
)

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// LookupTTL bounds how long a DNS or registry answer is reused.
	LookupTTL time.Duration
}
