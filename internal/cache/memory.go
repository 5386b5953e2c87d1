package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value      string
	expiration int64 // Unix nanoseconds, 0 = no expiry
}

// Memory implements the Cache interface for in-process caching. Expired
// entries are reaped lazily on access.
type Memory struct {
	mu        sync.RWMutex
	items     map[string]item
	connected bool
}

// NewMemory creates a new in-memory cache
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]item),
	}
}

// Connect initializes the memory cache
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]item)
	m.connected = false
	return nil
}

// IsConnected returns true if Connect has been called
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Type returns the type of the cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from the cache
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	if it.expiration > 0 && time.Now().UnixNano() > it.expiration {
		delete(m.items, key)
		return "", ErrNotFound
	}

	return it.value, nil
}

// Set stores a value in the cache with an optional expiration
func (m *Memory) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}
	m.items[key] = item{value: value, expiration: exp}
	return nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	delete(m.items, key)
	return nil
}
