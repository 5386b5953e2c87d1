package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the Store interface for Redis
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis-backed store
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379 // Default Redis port
	}

	return &Redis{
		config:    config,
		connected: false,
	}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}

	if err := r.client.Close(); err != nil {
		return err
	}

	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Ping verifies Redis is reachable
func (r *Redis) Ping(ctx context.Context) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Ping(ctx).Err()
}

// Push appends a payload to the tail of a queue (RPUSH)
func (r *Redis) Push(ctx context.Context, queue string, payload []byte) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.RPush(ctx, queue, payload).Err()
}

// Pop removes the head of a queue, blocking up to timeout (BLPOP)
func (r *Redis) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error) {
	if !r.connected {
		return nil, false, ErrNotConnected
	}

	res, err := r.client.BLPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}

	// BLPOP returns [queue, payload]
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}

	return []byte(res[1]), true, nil
}

// QueueLen returns the length of a queue (LLEN)
func (r *Redis) QueueLen(ctx context.Context, queue string) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.LLen(ctx, queue).Result()
}

// QueueRange returns payloads between start and stop without removing them (LRANGE)
func (r *Redis) QueueRange(ctx context.Context, queue string, start, stop int64) ([]string, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}

	return r.client.LRange(ctx, queue, start, stop).Result()
}

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if !r.connected {
		return "", ErrNotConnected
	}

	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}

	return val, nil
}

// SetWithTTL stores a value in Redis with an expiry (SET EX)
func (r *Redis) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Set(ctx, key, value, ttl).Err()
}

// Increment atomically increments a counter (INCR)
func (r *Redis) Increment(ctx context.Context, key string) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.Incr(ctx, key).Result()
}

// Expire sets an expiration time on a key
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	success, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return err
	}

	if !success {
		return ErrNotFound
	}

	return nil
}

// SetAdd adds a member to a set (SADD)
func (r *Redis) SetAdd(ctx context.Context, set, member string) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.SAdd(ctx, set, member).Err()
}

// SetRemove removes a member from a set (SREM)
func (r *Redis) SetRemove(ctx context.Context, set, member string) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.SRem(ctx, set, member).Err()
}

// SetIsMember checks membership of a set (SISMEMBER)
func (r *Redis) SetIsMember(ctx context.Context, set, member string) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	return r.client.SIsMember(ctx, set, member).Result()
}

// SetMembers returns all members of a set (SMEMBERS)
func (r *Redis) SetMembers(ctx context.Context, set string) ([]string, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}

	return r.client.SMembers(ctx, set).Result()
}
