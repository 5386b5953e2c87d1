package metrics

import (
	"context"
	"testing"

	"github.com/busybox42/mailflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderIncrAndValue(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Connect())

	rec := NewRecorder(s, "worker")
	ctx := context.Background()

	rec.Incr(ctx, "deliveries")
	rec.Incr(ctx, "deliveries")
	rec.Incr(ctx, "smtp_errors")

	deliveries, err := rec.Value(ctx, "deliveries")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deliveries)

	smtpErrors, err := rec.Value(ctx, "smtp_errors")
	require.NoError(t, err)
	assert.Equal(t, int64(1), smtpErrors)
}

func TestRecorderMissingCounterReadsZero(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Connect())

	rec := NewRecorder(s, "worker")
	v, err := rec.Value(context.Background(), "never_bumped")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestRecorderGauge(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Connect())

	rec := NewRecorder(s, "report")
	ctx := context.Background()

	rec.Gauge(ctx, "delivered_count", 42)

	v, err := rec.Value(ctx, "delivered_count")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestRecorderKeyNamespacing(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Connect())

	assert.Equal(t, "gateway_metrics:jobs_queued",
		NewRecorder(s, "gateway").Key("jobs_queued"))
}
