// Package delivery consumes filtered jobs and hands them to SMTP endpoints.
// Endpoint choice is weighted and blacklist-aware; transport failures are
// classified by SMTP status and routed to the failed and bounced queues.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"github.com/busybox42/mailflow/internal/job"
	"github.com/busybox42/mailflow/internal/metrics"
	"github.com/busybox42/mailflow/internal/ratelimit"
	"github.com/busybox42/mailflow/internal/smtpclient"
	"github.com/busybox42/mailflow/internal/store"
)

// Signer is the optional DKIM hook. The concrete implementation lives in
// internal/dkim; a nil Signer delivers unsigned.
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// Config holds the queue names and tunables of the delivery stage.
type Config struct {
	FilteredQueue  string
	DeliveredQueue string
	FailedQueue    string
	BouncedQueue   string
	BlacklistSet   string
	SenderLimit    int64
	SenderWindow   time.Duration
	PopTimeout     time.Duration
	ErrorPause     time.Duration
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		FilteredQueue:  "filtered_jobs",
		DeliveredQueue: "delivered",
		FailedQueue:    "failed_jobs",
		BouncedQueue:   "bounced",
		BlacklistSet:   "blacklisted_ips",
		SenderLimit:    100,
		SenderWindow:   time.Hour,
		PopTimeout:     5 * time.Second,
		ErrorPause:     5 * time.Second,
	}
}

// Worker is the delivery stage consumer. One Worker owns one consume loop;
// run several processes for horizontal scale.
type Worker struct {
	config   Config
	store    store.Store
	selector *selector
	sender   smtpclient.Sender
	signer   Signer
	limiter  *ratelimit.Limiter
	metrics  *metrics.Recorder
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewWorker wires a delivery worker over the given endpoints. signer may be
// nil. Each endpoint gets its own circuit breaker so one misbehaving relay
// cannot suppress traffic to the others.
func NewWorker(config Config, st store.Store, endpoints []Endpoint, sender smtpclient.Sender, signer Signer) *Worker {
	logger := slog.Default().With("component", "delivery")

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.ID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "smtp-" + ep.ID,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Info("Circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return &Worker{
		config:   config,
		store:    st,
		selector: newSelector(endpoints, st, config.BlacklistSet, rand.New(rand.NewSource(time.Now().UnixNano()))),
		sender:   sender,
		signer:   signer,
		limiter:  ratelimit.New(st, "sender", config.SenderLimit, config.SenderWindow),
		metrics:  metrics.NewRecorder(st, "worker"),
		breakers: breakers,
		logger:   logger,
	}
}

// Run consumes the filtered queue until ctx is canceled. Store failures are
// absorbed with a fixed pause so a queue outage does not spin the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Delivery worker started",
		"queue", w.config.FilteredQueue,
		"endpoints", len(w.breakers))

	for {
		payload, ok, err := w.store.Pop(ctx, w.config.FilteredQueue, w.config.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("Store error", "error", err)
			w.metrics.Incr(ctx, "store_errors")
			w.pause(ctx)
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err := w.Process(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("Store error", "error", err)
			w.metrics.Incr(ctx, "store_errors")
			w.pause(ctx)
		}
	}
}

// Process attempts one job. Only store failures return an error; every
// transport or validation outcome is routed to a queue and absorbed here.
func (w *Worker) Process(ctx context.Context, payload []byte) error {
	j, err := job.Decode(payload)
	if err != nil {
		w.logger.Error("Dropping undecodable job", "error", err)
		w.metrics.Incr(ctx, "json_errors")
		return nil
	}

	logger := w.logger.With("job_id", j.ID)
	logger.Info("Processing job")

	if err := j.Validate(); err != nil {
		logger.Error("Invalid job", "error", err)
		w.metrics.Incr(ctx, "invalid_jobs")
		return w.fail(ctx, j)
	}

	allowed, err := w.limiter.Allow(ctx, j.From)
	if err != nil {
		return err
	}
	if !allowed {
		logger.Warn("Sender rate limit exceeded", "sender", j.From)
		w.metrics.Incr(ctx, "rate_limited")
		return w.fail(ctx, j)
	}

	ep, err := w.selector.pick(ctx)
	if errors.Is(err, ErrNoEndpoints) {
		logger.Error("All delivery endpoints blacklisted")
		w.metrics.Incr(ctx, "unexpected_errors")
		return w.bounce(ctx, j, err.Error(), 0)
	} else if err != nil {
		return err
	}
	logger.Debug("Selected endpoint", "host", ep.Host, "port", ep.Port)

	message := buildMessage(j)
	if w.signer != nil {
		signed, err := w.signer.Sign(message)
		if err != nil {
			// Signing trouble must not hold mail hostage.
			logger.Error("DKIM signing failed", "error", err)
		} else {
			message = signed
		}
	}

	var creds *smtpclient.Credentials
	if ep.User != "" && ep.Pass != "" {
		creds = &smtpclient.Credentials{User: ep.User, Pass: ep.Pass}
	}

	_, sendErr := w.breakers[ep.ID].Execute(func() (interface{}, error) {
		return nil, w.sender.Send(ctx, ep.Host, ep.Port, creds, j.From, j.To, message)
	})

	if sendErr == nil {
		logger.Info("Job delivered", "host", ep.Host)
		w.metrics.Incr(ctx, "deliveries")
		return w.push(ctx, w.config.DeliveredQueue, j)
	}

	if status, ok := smtpclient.AsStatus(sendErr); ok {
		logger.Error("SMTP error", "code", status.Code, "error", sendErr)
		w.metrics.Incr(ctx, "smtp_errors")
		if status.Permanent() {
			w.metrics.Incr(ctx, "permanent_failures")
		}
		return w.bounce(ctx, j, sendErr.Error(), status.Code)
	}

	logger.Error("Unexpected delivery error", "host", ep.Host, "error", sendErr)
	w.metrics.Incr(ctx, "unexpected_errors")
	return w.bounce(ctx, j, sendErr.Error(), 0)
}

// fail records a failed attempt and queues the job for the retry engine.
func (w *Worker) fail(ctx context.Context, j *job.Job) error {
	j.Retries++
	return w.push(ctx, w.config.FailedQueue, j)
}

// bounce routes a failed attempt both ways: the job (with the attempt
// counted) to the failed queue for the retry engine, and a bounce record
// carrying the error to the bounced queue for complaint ingestion. The
// bounce record keeps the pre-attempt retry count.
func (w *Worker) bounce(ctx context.Context, j *job.Job, errMsg string, code int) error {
	record := j.Bounce(errMsg, code)
	if err := w.fail(ctx, j); err != nil {
		return err
	}
	return w.push(ctx, w.config.BouncedQueue, record)
}

func (w *Worker) push(ctx context.Context, queue string, j *job.Job) error {
	payload, err := job.Encode(j)
	if err != nil {
		return err
	}
	return w.store.Push(ctx, queue, payload)
}

func (w *Worker) pause(ctx context.Context) {
	select {
	case <-time.After(w.config.ErrorPause):
	case <-ctx.Done():
	}
}
