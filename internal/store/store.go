package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in store")
	ErrNotConnected = errors.New("not connected to store")
)

// Queue provides ordered queue operations. Push appends to the tail,
// Pop removes from the head, blocking up to timeout.
type Queue interface {
	// Push appends a payload to the tail of the named queue
	Push(ctx context.Context, queue string, payload []byte) error

	// Pop removes the head of the named queue, blocking up to timeout.
	// Returns ok=false when the queue stayed empty for the full timeout.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error)

	// QueueLen returns the number of payloads in the named queue
	QueueLen(ctx context.Context, queue string) (int64, error)

	// QueueRange returns payloads between start and stop (inclusive, negative
	// indexes count from the tail) without removing them
	QueueRange(ctx context.Context, queue string, start, stop int64) ([]string, error)
}

// KV provides key-value storage with TTL expiry.
type KV interface {
	// Get retrieves a value; returns ErrNotFound for missing keys
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL stores a value that expires after ttl (0 = no expiry)
	SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Counter provides atomic counters with expiry.
type Counter interface {
	// Increment atomically increments a counter and returns the new value
	Increment(ctx context.Context, key string) (int64, error)

	// Expire sets an expiration time on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Membership provides idempotent set operations. The blacklist and
// unsubscribe sets are shared, convergent state: no stage owns them, and
// add/remove are safe to repeat.
type Membership interface {
	SetAdd(ctx context.Context, set, member string) error
	SetRemove(ctx context.Context, set, member string) error
	SetIsMember(ctx context.Context, set, member string) (bool, error)
	SetMembers(ctx context.Context, set string) ([]string, error)
}

// Store is the full contract every backend must satisfy. Each individual
// operation is atomic; no cross-operation transaction is assumed.
type Store interface {
	// Connect establishes a connection to the store
	Connect() error

	// Close closes the connection to the store
	Close() error

	// IsConnected returns true if the store is connected
	IsConnected() bool

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	Queue
	KV
	Counter
	Membership
}

// Config represents the configuration for a store backend
type Config struct {
	Type     string `toml:"type"`     // Backend type (redis, memory)
	Host     string `toml:"host"`     // Hostname or IP address
	Port     int    `toml:"port"`     // Port number
	Password string `toml:"password"` // Password for authentication
	Database int    `toml:"database"` // Database number (for Redis)
}

// Factory creates store instances based on configuration
func Factory(config Config) (Store, error) {
	switch config.Type {
	case "redis", "":
		return NewRedis(config), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported store type: " + config.Type)
	}
}
