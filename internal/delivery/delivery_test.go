package delivery

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailflow/internal/job"
	"github.com/busybox42/mailflow/internal/metrics"
	"github.com/busybox42/mailflow/internal/smtpclient"
	"github.com/busybox42/mailflow/internal/store"
)

type sendCall struct {
	host    string
	port    int
	creds   *smtpclient.Credentials
	from    string
	to      []string
	message []byte
}

type fakeSender struct {
	err   error
	calls []sendCall
}

func (f *fakeSender) Send(ctx context.Context, host string, port int, creds *smtpclient.Credentials, from string, to []string, message []byte) error {
	f.calls = append(f.calls, sendCall{host, port, creds, from, to, message})
	return f.err
}

type failingSigner struct{}

func (failingSigner) Sign(message []byte) ([]byte, error) {
	return nil, errors.New("key unavailable")
}

func newTestStore(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	require.NoError(t, m.Connect())
	return m
}

func testJob() *job.Job {
	return &job.Job{
		ID:      "job-1",
		From:    "alice@example.com",
		To:      []string{"bob@example.net"},
		Subject: "greetings",
		Body:    "hello",
	}
}

func testWorker(t *testing.T, st *store.Memory, sender smtpclient.Sender, endpoints ...Endpoint) *Worker {
	t.Helper()
	if len(endpoints) == 0 {
		endpoints = []Endpoint{{ID: "a", Host: "relay-a.example.com", Port: 25, Weight: 1}}
	}
	return NewWorker(DefaultConfig(), st, endpoints, sender, nil)
}

func popJob(t *testing.T, st *store.Memory, queue string) *job.Job {
	t.Helper()
	payload, ok, err := st.Pop(context.Background(), queue, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "expected a job in %s", queue)
	j, err := job.Decode(payload)
	require.NoError(t, err)
	return j
}

func counterValue(t *testing.T, st *store.Memory, name string) int64 {
	t.Helper()
	v, err := metrics.NewRecorder(st, "worker").Value(context.Background(), name)
	require.NoError(t, err)
	return v
}

func TestLoadEndpointsDefaultsAndSecrets(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "endpoints.json")
	require.NoError(t, os.WriteFile(configFile, []byte(`[
		{"id": "a", "host": "relay-a.example.com"},
		{"id": "b", "host": "relay-b.example.com", "port": 587, "weight": 3, "user": "cfg", "pass": "cfg"}
	]`), 0o600))

	secretsDir := filepath.Join(dir, "secrets")
	require.NoError(t, os.MkdirAll(secretsDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(secretsDir, "smtp_b_user"), []byte("vaulted\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(secretsDir, "smtp_b_pass"), []byte("s3cret\n"), 0o600))

	endpoints, err := LoadEndpoints(configFile, secretsDir)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	assert.Equal(t, 25, endpoints[0].Port)
	assert.Equal(t, 1.0, endpoints[0].Weight)
	assert.Empty(t, endpoints[0].User)

	assert.Equal(t, 587, endpoints[1].Port)
	assert.Equal(t, 3.0, endpoints[1].Weight)
	assert.Equal(t, "vaulted", endpoints[1].User)
	assert.Equal(t, "s3cret", endpoints[1].Pass)
}

func TestLoadEndpointsMissingFile(t *testing.T) {
	_, err := LoadEndpoints(filepath.Join(t.TempDir(), "absent.json"), "")
	assert.Error(t, err)
}

func TestLoadEndpointsEmpty(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "endpoints.json")
	require.NoError(t, os.WriteFile(configFile, []byte(`[]`), 0o600))

	_, err := LoadEndpoints(configFile, "")
	assert.Error(t, err)
}

func TestSelectorSkipsBlacklistedHosts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SetAdd(ctx, "blacklisted_ips", "relay-b.example.com"))

	endpoints := []Endpoint{
		{ID: "a", Host: "relay-a.example.com", Weight: 3},
		{ID: "b", Host: "relay-b.example.com", Weight: 1},
	}
	s := newSelector(endpoints, st, "blacklisted_ips", rand.New(rand.NewSource(1)))

	for i := 0; i < 200; i++ {
		ep, err := s.pick(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", ep.ID)
	}
}

func TestSelectorNoEndpoints(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SetAdd(ctx, "blacklisted_ips", "relay-a.example.com"))

	s := newSelector([]Endpoint{{ID: "a", Host: "relay-a.example.com", Weight: 1}},
		st, "blacklisted_ips", rand.New(rand.NewSource(1)))

	_, err := s.pick(ctx)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestSelectorWeightedDraw(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	endpoints := []Endpoint{
		{ID: "heavy", Host: "relay-a.example.com", Weight: 9},
		{ID: "light", Host: "relay-b.example.com", Weight: 1},
	}
	s := newSelector(endpoints, st, "blacklisted_ips", rand.New(rand.NewSource(42)))

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		ep, err := s.pick(ctx)
		require.NoError(t, err)
		counts[ep.ID]++
	}

	assert.Greater(t, counts["heavy"], 800)
	assert.Greater(t, counts["light"], 0)
}

func TestProcessDeliversJob(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	w := testWorker(t, st, sender)
	ctx := context.Background()

	payload, err := job.Encode(testJob())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, payload))

	require.Len(t, sender.calls, 1)
	assert.Equal(t, "relay-a.example.com", sender.calls[0].host)
	assert.Equal(t, "alice@example.com", sender.calls[0].from)
	assert.Contains(t, string(sender.calls[0].message), "Subject: greetings")

	delivered := popJob(t, st, "delivered")
	assert.Equal(t, "job-1", delivered.ID)
	assert.Equal(t, 0, delivered.Retries)
	assert.Equal(t, int64(1), counterValue(t, st, "deliveries"))
}

func TestProcessPermanentFailure(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{err: &smtpclient.StatusError{Code: 550, Message: "mailbox unavailable"}}
	w := testWorker(t, st, sender)
	ctx := context.Background()

	payload, err := job.Encode(testJob())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, payload))

	failed := popJob(t, st, "failed_jobs")
	assert.Equal(t, 1, failed.Retries)

	bounced := popJob(t, st, "bounced")
	assert.Equal(t, 550, bounced.SMTPCode)
	assert.Contains(t, bounced.Error, "mailbox unavailable")
	assert.Equal(t, 0, bounced.Retries)

	assert.Equal(t, int64(1), counterValue(t, st, "smtp_errors"))
	assert.Equal(t, int64(1), counterValue(t, st, "permanent_failures"))
}

func TestProcessTransientFailure(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{err: &smtpclient.StatusError{Code: 421, Message: "try again later"}}
	w := testWorker(t, st, sender)
	ctx := context.Background()

	payload, err := job.Encode(testJob())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, payload))

	failed := popJob(t, st, "failed_jobs")
	assert.Equal(t, 1, failed.Retries)

	bounced := popJob(t, st, "bounced")
	assert.Equal(t, 421, bounced.SMTPCode)

	assert.Equal(t, int64(1), counterValue(t, st, "smtp_errors"))
	assert.Equal(t, int64(0), counterValue(t, st, "permanent_failures"))
}

func TestProcessUnexpectedError(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{err: errors.New("connection reset")}
	w := testWorker(t, st, sender)
	ctx := context.Background()

	payload, err := job.Encode(testJob())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, payload))

	failed := popJob(t, st, "failed_jobs")
	assert.Equal(t, 1, failed.Retries)

	bounced := popJob(t, st, "bounced")
	assert.Equal(t, 0, bounced.SMTPCode)
	assert.Contains(t, bounced.Error, "connection reset")

	assert.Equal(t, int64(1), counterValue(t, st, "unexpected_errors"))
}

func TestProcessInvalidJob(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	w := testWorker(t, st, sender)
	ctx := context.Background()

	j := testJob()
	j.Body = ""
	payload, err := job.Encode(j)
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, payload))

	assert.Empty(t, sender.calls)
	failed := popJob(t, st, "failed_jobs")
	assert.Equal(t, 1, failed.Retries)
	assert.Equal(t, int64(1), counterValue(t, st, "invalid_jobs"))
}

func TestProcessDropsUndecodablePayload(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	w := testWorker(t, st, sender)
	ctx := context.Background()

	require.NoError(t, w.Process(ctx, []byte("{not json")))

	assert.Empty(t, sender.calls)
	_, ok, err := st.Pop(ctx, "failed_jobs", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), counterValue(t, st, "json_errors"))
}

func TestProcessSenderRateLimit(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	config := DefaultConfig()
	config.SenderLimit = 1
	w := NewWorker(config, st, []Endpoint{{ID: "a", Host: "relay-a.example.com", Port: 25, Weight: 1}}, sender, nil)
	ctx := context.Background()

	payload, err := job.Encode(testJob())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, payload))
	require.NoError(t, w.Process(ctx, payload))

	assert.Len(t, sender.calls, 1)
	failed := popJob(t, st, "failed_jobs")
	assert.Equal(t, 1, failed.Retries)
	assert.Equal(t, int64(1), counterValue(t, st, "rate_limited"))
}

func TestProcessAllEndpointsBlacklisted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SetAdd(ctx, "blacklisted_ips", "relay-a.example.com"))

	sender := &fakeSender{}
	w := testWorker(t, st, sender)

	payload, err := job.Encode(testJob())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, payload))

	assert.Empty(t, sender.calls)
	failed := popJob(t, st, "failed_jobs")
	assert.Equal(t, 1, failed.Retries)
	bounced := popJob(t, st, "bounced")
	assert.Equal(t, 0, bounced.SMTPCode)
	assert.Equal(t, int64(1), counterValue(t, st, "unexpected_errors"))
}

func TestProcessSigningFailureStillDelivers(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	w := NewWorker(DefaultConfig(), st,
		[]Endpoint{{ID: "a", Host: "relay-a.example.com", Port: 25, Weight: 1}},
		sender, failingSigner{})
	ctx := context.Background()

	payload, err := job.Encode(testJob())
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, payload))

	require.Len(t, sender.calls, 1)
	assert.NotContains(t, string(sender.calls[0].message), "DKIM-Signature")
	popJob(t, st, "delivered")
}

func TestBuildMessageHeaders(t *testing.T) {
	j := testJob()
	j.To = []string{"bob@example.net", "carol@example.org"}
	message := string(buildMessage(j))

	assert.Contains(t, message, "From: alice@example.com\r\n")
	assert.Contains(t, message, "To: bob@example.net, carol@example.org\r\n")
	assert.Contains(t, message, "Subject: greetings\r\n")
	assert.Contains(t, message, "\r\n\r\nhello")
}
