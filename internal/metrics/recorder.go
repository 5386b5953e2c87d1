package metrics

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/busybox42/mailflow/internal/store"
)

// Recorder maintains operational counters in the shared store under
// "<component>_metrics:<name>". Every stage surfaces its error taxonomy
// through these counters; reporting tooling reads them back out-of-band.
// Recording is best effort: a store failure is logged, never propagated,
// so a metrics hiccup cannot break a consume loop.
type Recorder struct {
	counter store.Counter
	kv      store.KV
	prefix  string
	logger  *slog.Logger
}

// NewRecorder creates a recorder for the named component.
func NewRecorder(s store.Store, component string) *Recorder {
	return &Recorder{
		counter: s,
		kv:      s,
		prefix:  component + "_metrics:",
		logger:  slog.Default().With("component", "metrics"),
	}
}

// Key returns the store key for a counter name.
func (r *Recorder) Key(name string) string {
	return r.prefix + name
}

// Incr increments the named counter.
func (r *Recorder) Incr(ctx context.Context, name string) {
	if _, err := r.counter.Increment(ctx, r.Key(name)); err != nil {
		r.logger.Warn("failed to increment counter",
			"counter", r.Key(name),
			"error", err)
	}
}

// Gauge records a point-in-time value for the named metric.
func (r *Recorder) Gauge(ctx context.Context, name string, value int64) {
	err := r.kv.SetWithTTL(ctx, r.Key(name), strconv.FormatInt(value, 10), 0)
	if err != nil {
		r.logger.Warn("failed to set gauge",
			"gauge", r.Key(name),
			"error", err)
	}
}

// Value reads a counter back; missing counters read as zero.
func (r *Recorder) Value(ctx context.Context, name string) (int64, error) {
	raw, err := r.kv.Get(ctx, r.Key(name))
	if err == store.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	return strconv.ParseInt(raw, 10, 64)
}
