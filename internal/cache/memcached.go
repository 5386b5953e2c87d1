package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	client    *memcache.Client
	config    Config
	connected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}
	port := m.config.Port
	if port == 0 {
		port = 11211 // Default Memcached port
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", host, port))

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	return m.connected
}

// Type returns the type of the cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from the cache
func (m *Memcached) Get(ctx context.Context, key string) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}

	item, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return "", ErrNotFound
		}
		return "", err
	}

	return string(item.Value), nil
}

// Set stores a value in the cache with an optional expiration
func (m *Memcached) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	expirationSeconds := int32(0)
	if expiration > 0 {
		expirationSeconds = int32(expiration.Seconds())
	}

	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: expirationSeconds,
	})
}

// Delete removes a value from the cache
func (m *Memcached) Delete(ctx context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}

	return nil
}
