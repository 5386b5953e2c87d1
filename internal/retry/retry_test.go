package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailflow/internal/job"
	"github.com/busybox42/mailflow/internal/metrics"
	"github.com/busybox42/mailflow/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *[]time.Duration) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.Connect())

	e := NewEngine(DefaultConfig(), st)
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) {
		slept = append(slept, d)
	}
	return e, st, &slept
}

func encodeJob(t *testing.T, j *job.Job) []byte {
	t.Helper()
	payload, err := job.Encode(j)
	require.NoError(t, err)
	return payload
}

func counterValue(t *testing.T, st *store.Memory, name string) int64 {
	t.Helper()
	v, err := metrics.NewRecorder(st, "retry").Value(context.Background(), name)
	require.NoError(t, err)
	return v
}

func TestBackoffTable(t *testing.T) {
	e := NewEngine(DefaultConfig(), store.NewMemory())

	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{7, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.Backoff(tc.retries), "retries=%d", tc.retries)
	}
}

func TestProcessRequeuesWithDelay(t *testing.T) {
	e, st, slept := newTestEngine(t)
	ctx := context.Background()

	j := &job.Job{
		ID:      "job-1",
		From:    "alice@example.com",
		To:      []string{"bob@example.net"},
		Subject: "s",
		Body:    "b",
		Retries: 1,
	}
	require.NoError(t, e.Process(ctx, encodeJob(t, j)))

	require.Equal(t, []time.Duration{2 * time.Second}, *slept)

	payload, ok, err := st.Pop(ctx, "filtered_jobs", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	requeued, err := job.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Retries)
	assert.Equal(t, int64(1), counterValue(t, st, "retries"))
}

func TestProcessDeadLettersAtMaxRetries(t *testing.T) {
	e, st, slept := newTestEngine(t)
	ctx := context.Background()

	j := &job.Job{
		ID:      "job-1",
		From:    "alice@example.com",
		To:      []string{"bob@example.net"},
		Subject: "s",
		Body:    "b",
		Retries: 3,
	}
	require.NoError(t, e.Process(ctx, encodeJob(t, j)))

	assert.Empty(t, *slept, "dead-lettering must not wait out a backoff")

	payload, ok, err := st.Pop(ctx, "permanent_failed", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	dead, err := job.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, 3, dead.Retries)

	_, ok, err = st.Pop(ctx, "filtered_jobs", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "a dead-lettered job must never be requeued")
	assert.Equal(t, int64(1), counterValue(t, st, "permanent_failures"))
}

func TestProcessBelowMaxAlwaysRequeues(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	for retries := 0; retries < 3; retries++ {
		j := &job.Job{
			ID:      "job-1",
			From:    "alice@example.com",
			To:      []string{"bob@example.net"},
			Subject: "s",
			Body:    "b",
			Retries: retries,
		}
		require.NoError(t, e.Process(ctx, encodeJob(t, j)))

		_, ok, err := st.Pop(ctx, "filtered_jobs", 100*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok, "retries=%d", retries)

		_, ok, err = st.Pop(ctx, "permanent_failed", 50*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok, "retries=%d", retries)
	}
}

func TestProcessDropsUndecodablePayload(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Process(ctx, []byte("{broken")))

	for _, queue := range []string{"filtered_jobs", "permanent_failed"} {
		_, ok, err := st.Pop(ctx, queue, 50*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok, "queue %s", queue)
	}
	assert.Equal(t, int64(1), counterValue(t, st, "json_errors"))
}

func TestProcessDeadLettersJobWithoutIdentity(t *testing.T) {
	e, st, slept := newTestEngine(t)
	ctx := context.Background()

	j := &job.Job{From: "alice@example.com", Subject: "s", Body: "b"}
	require.NoError(t, e.Process(ctx, encodeJob(t, j)))

	assert.Empty(t, *slept)
	_, ok, err := st.Pop(ctx, "permanent_failed", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), counterValue(t, st, "invalid_jobs"))
}

func TestProcessPreservesUnknownKeys(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	payload := []byte(`{"job_id":"job-1","from":"a@x.com","to":"b@y.com","subject":"s","body":"b","retries":1,"campaign":"spring"}`)
	require.NoError(t, e.Process(ctx, payload))

	requeued, ok, err := st.Pop(ctx, "filtered_jobs", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(requeued))
}
