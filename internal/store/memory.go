package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	value      interface{}
	expiration int64 // Unix nanoseconds, 0 = no expiry
}

func (it memoryItem) expired(now int64) bool {
	return it.expiration > 0 && now > it.expiration
}

// Memory implements the Store interface entirely in process memory. It backs
// tests and single-node development runs; expired keys are reaped lazily on
// access.
type Memory struct {
	mu        sync.Mutex
	queues    map[string][]string
	items     map[string]memoryItem
	sets      map[string]map[string]struct{}
	wake      chan struct{}
	connected bool
}

// NewMemory creates a new in-memory store
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][]string),
		items:  make(map[string]memoryItem),
		sets:   make(map[string]map[string]struct{}),
		wake:   make(chan struct{}),
	}
}

// Connect marks the store as connected
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close marks the store as disconnected
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if Connect has been called
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Ping always succeeds for a connected in-memory store
func (m *Memory) Ping(ctx context.Context) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Push appends a payload to the tail of a queue and wakes blocked poppers
func (m *Memory) Push(ctx context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	m.queues[queue] = append(m.queues[queue], string(payload))

	// Broadcast to anyone blocked in Pop.
	close(m.wake)
	m.wake = make(chan struct{})
	return nil
}

// Pop removes the head of a queue, blocking up to timeout
func (m *Memory) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		if !m.connected {
			m.mu.Unlock()
			return nil, false, ErrNotConnected
		}
		if q := m.queues[queue]; len(q) > 0 {
			head := q[0]
			m.queues[queue] = q[1:]
			m.mu.Unlock()
			return []byte(head), true, nil
		}
		wake := m.wake
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// QueueLen returns the length of a queue
func (m *Memory) QueueLen(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, ErrNotConnected
	}
	return int64(len(m.queues[queue])), nil
}

// QueueRange returns payloads between start and stop without removing them
func (m *Memory) QueueRange(ctx context.Context, queue string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	q := m.queues[queue]
	n := int64(len(q))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}

	out := make([]string, 0, stop-start+1)
	out = append(out, q[start:stop+1]...)
	return out, nil
}

// Get retrieves a value; returns ErrNotFound for missing or expired keys
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now().UnixNano()) {
		delete(m.items, key)
		return "", ErrNotFound
	}

	switch v := it.value.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", ErrNotFound
	}
}

// SetWithTTL stores a value that expires after ttl
func (m *Memory) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	m.items[key] = memoryItem{value: value, expiration: exp}
	return nil
}

// Increment atomically increments a counter and returns the new value
func (m *Memory) Increment(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, ErrNotConnected
	}

	now := time.Now().UnixNano()
	it, ok := m.items[key]
	if !ok || it.expired(now) {
		m.items[key] = memoryItem{value: int64(1)}
		return 1, nil
	}

	var n int64
	switch v := it.value.(type) {
	case int64:
		n = v
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}

	n++
	m.items[key] = memoryItem{value: n, expiration: it.expiration}
	return n, nil
}

// Expire sets an expiration time on a key
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now().UnixNano()) {
		return ErrNotFound
	}

	it.expiration = time.Now().Add(ttl).UnixNano()
	m.items[key] = it
	return nil
}

// SetAdd adds a member to a set
func (m *Memory) SetAdd(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	s[member] = struct{}{}
	return nil
}

// SetRemove removes a member from a set
func (m *Memory) SetRemove(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	if s, ok := m.sets[set]; ok {
		delete(s, member)
	}
	return nil
}

// SetIsMember checks membership of a set
func (m *Memory) SetIsMember(ctx context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}

	_, ok := m.sets[set][member]
	return ok, nil
}

// SetMembers returns all members of a set
func (m *Memory) SetMembers(ctx context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	s := m.sets[set]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	return out, nil
}
