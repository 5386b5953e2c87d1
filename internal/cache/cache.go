// Package cache provides the read-through cache fronting template lookups.
// Templates live in the shared store; the cache keeps hot entries close to
// the gateway so a burst of templated submissions does not hammer the store.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache defines the interface that all cache implementations must satisfy
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Type returns the type of the cache (e.g., "redis", "memcached")
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value in the cache with an optional expiration
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string `toml:"type"`     // Type of cache (redis, memcached, memory)
	Host     string `toml:"host"`     // Hostname or IP address
	Port     int    `toml:"port"`     // Port number
	Password string `toml:"password"` // Password for authentication (Redis)
	Database int    `toml:"database"` // Database number (Redis)
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
