// Package retry drains the failed queue, applies capped exponential backoff
// and feeds jobs back into the delivery path until they exhaust their retry
// budget and dead-letter.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/busybox42/mailflow/internal/job"
	"github.com/busybox42/mailflow/internal/metrics"
	"github.com/busybox42/mailflow/internal/store"
)

// Config holds the retry stage tunables.
type Config struct {
	FailedQueue     string
	RetryQueue      string
	DeadLetterQueue string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	PopTimeout      time.Duration
	ErrorPause      time.Duration
}

// DefaultConfig returns the stage defaults. The retry queue is the delivery
// stage's intake: a retried job has already cleared admission and the
// unsubscribe filter once.
func DefaultConfig() Config {
	return Config{
		FailedQueue:     "failed_jobs",
		RetryQueue:      "filtered_jobs",
		DeadLetterQueue: "permanent_failed",
		MaxRetries:      3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        60 * time.Second,
		PopTimeout:      5 * time.Second,
		ErrorPause:      5 * time.Second,
	}
}

// Engine is the single consumer of the failed queue. The backoff delay
// blocks only this loop; scale by running more Engine processes.
type Engine struct {
	config  Config
	store   store.Store
	metrics *metrics.Recorder
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration)
}

// NewEngine creates a retry engine over the shared store.
func NewEngine(config Config, st store.Store) *Engine {
	return &Engine{
		config:  config,
		store:   st,
		metrics: metrics.NewRecorder(st, "retry"),
		logger:  slog.Default().With("component", "retry"),
		sleep:   sleepContext,
	}
}

// Run consumes the failed queue until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Retry engine started",
		"queue", e.config.FailedQueue,
		"max_retries", e.config.MaxRetries)

	for {
		payload, ok, err := e.store.Pop(ctx, e.config.FailedQueue, e.config.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("Store error", "error", err)
			e.metrics.Incr(ctx, "store_errors")
			e.sleep(ctx, e.config.ErrorPause)
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err := e.Process(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("Store error", "error", err)
			e.metrics.Incr(ctx, "store_errors")
			e.sleep(ctx, e.config.ErrorPause)
		}
	}
}

// Process routes one failed job. Only store failures return an error.
func (e *Engine) Process(ctx context.Context, payload []byte) error {
	j, err := job.Decode(payload)
	if err != nil {
		// Unrecoverable: nothing downstream could do better with it.
		e.logger.Error("Dropping undecodable job", "error", err)
		e.metrics.Incr(ctx, "json_errors")
		return nil
	}

	if !j.HasIdentity() {
		e.logger.Error("Job missing identity, dead-lettering", "job_id", j.ID)
		e.metrics.Incr(ctx, "invalid_jobs")
		return e.store.Push(ctx, e.config.DeadLetterQueue, payload)
	}

	logger := e.logger.With("job_id", j.ID, "retries", j.Retries)

	if j.Retries >= e.config.MaxRetries {
		logger.Warn("Job reached max retries, moving to dead letter queue",
			"queue", e.config.DeadLetterQueue)
		e.metrics.Incr(ctx, "permanent_failures")
		return e.store.Push(ctx, e.config.DeadLetterQueue, payload)
	}

	delay := e.Backoff(j.Retries)
	logger.Info("Scheduling retry", "delay", delay)
	e.sleep(ctx, delay)
	if ctx.Err() != nil {
		// Shut down without losing the job.
		e.metrics.Incr(ctx, "retries")
		return e.store.Push(context.WithoutCancel(ctx), e.config.RetryQueue, payload)
	}

	e.metrics.Incr(ctx, "retries")
	return e.store.Push(ctx, e.config.RetryQueue, payload)
}

// Backoff returns the delay before the nth retry. retries counts the failed
// attempts already made, so the first retry (retries=1) waits the base
// delay, then the wait doubles per attempt up to the cap.
func (e *Engine) Backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}

	delay := e.config.BaseDelay
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= e.config.MaxDelay {
			return e.config.MaxDelay
		}
	}
	if delay > e.config.MaxDelay {
		return e.config.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
