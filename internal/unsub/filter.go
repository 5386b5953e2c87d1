// Package unsub is the suppression stage between admission and delivery. It
// strips unsubscribed recipients from queued jobs and grows the unsubscribe
// set from permanent-failure bounce records.
package unsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/busybox42/mailflow/internal/address"
	"github.com/busybox42/mailflow/internal/job"
	"github.com/busybox42/mailflow/internal/metrics"
	"github.com/busybox42/mailflow/internal/store"
)

// Config holds the filter stage tunables.
type Config struct {
	IntakeQueue    string
	FilteredQueue  string
	ComplaintQueue string
	UnsubscribeSet string
	SeedFile       string
	PopTimeout     time.Duration
	ErrorPause     time.Duration
}

// DefaultConfig returns the stage defaults. The complaint queue is the
// bounced queue the delivery engine writes to.
func DefaultConfig() Config {
	return Config{
		IntakeQueue:    "email_jobs",
		FilteredQueue:  "filtered_jobs",
		ComplaintQueue: "bounced",
		UnsubscribeSet: "unsubscribed_emails",
		PopTimeout:     5 * time.Second,
		ErrorPause:     5 * time.Second,
	}
}

// Filter consumes the intake queue and forwards jobs with their unsubscribed
// recipients removed. Each loop iteration also drains at most one complaint
// so a busy intake queue cannot starve complaint ingestion.
type Filter struct {
	config  Config
	store   store.Store
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewFilter creates a filter stage over the shared store.
func NewFilter(config Config, st store.Store) *Filter {
	return &Filter{
		config:  config,
		store:   st,
		metrics: metrics.NewRecorder(st, "unsubscribe"),
		logger:  slog.Default().With("component", "unsubscribe"),
	}
}

// Run seeds the unsubscribe set and consumes jobs until ctx is canceled.
func (f *Filter) Run(ctx context.Context) error {
	f.logger.Info("Unsubscribe filter started",
		"intake", f.config.IntakeQueue,
		"filtered", f.config.FilteredQueue)

	if f.config.SeedFile != "" {
		f.Seed(ctx, f.config.SeedFile)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.DrainComplaint(ctx)

		payload, ok, err := f.store.Pop(ctx, f.config.IntakeQueue, f.config.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Error("Store error", "error", err)
			f.metrics.Incr(ctx, "store_errors")
			f.pause(ctx)
			continue
		}
		if !ok {
			continue
		}

		if err := f.Process(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Error("Store error", "error", err)
			f.metrics.Incr(ctx, "store_errors")
			f.pause(ctx)
		}
	}
}

// Seed loads an initial unsubscribe list from a JSON array of addresses.
// A missing or unreadable file is logged, never fatal.
func (f *Filter) Seed(ctx context.Context, seedFile string) {
	data, err := os.ReadFile(seedFile)
	if err != nil {
		f.logger.Warn("Unsubscribe seed file not loaded", "file", seedFile, "error", err)
		return
	}

	var emails []string
	if err := json.Unmarshal(data, &emails); err != nil {
		f.logger.Error("Failed to parse unsubscribe seed file", "file", seedFile, "error", err)
		return
	}

	loaded := 0
	for _, email := range emails {
		email = address.Normalize(email)
		if err := address.Validate(email); err != nil {
			f.logger.Error("Invalid email in seed file", "email", email, "error", err)
			continue
		}
		if err := f.store.SetAdd(ctx, f.config.UnsubscribeSet, email); err != nil {
			f.logger.Error("Failed to seed unsubscribe set", "email", email, "error", err)
			continue
		}
		loaded++
	}
	f.logger.Info("Loaded unsubscribe seed list", "file", seedFile, "count", loaded)
}

// Process filters one job's recipient list. Only store failures return an
// error.
func (f *Filter) Process(ctx context.Context, payload []byte) error {
	j, err := job.Decode(payload)
	if err != nil {
		f.logger.Error("Dropping undecodable job", "error", err)
		f.metrics.Incr(ctx, "json_errors")
		return nil
	}

	logger := f.logger.With("job_id", j.ID)

	if len(j.To) == 0 {
		logger.Error("Job has no recipients")
		f.metrics.Incr(ctx, "invalid_jobs")
		return nil
	}

	var kept []string
	for _, email := range j.To {
		if err := address.Validate(email); err != nil {
			logger.Error("Invalid recipient", "email", email, "error", err)
			f.metrics.Incr(ctx, "invalid_emails")
			continue
		}

		unsubscribed, err := f.store.SetIsMember(ctx, f.config.UnsubscribeSet, address.Normalize(email))
		if err != nil {
			return err
		}
		if unsubscribed {
			logger.Info("Skipped unsubscribed recipient", "email", email)
			f.metrics.Incr(ctx, "skipped")
			continue
		}
		kept = append(kept, email)
	}

	if len(kept) == 0 {
		logger.Info("Job skipped, no deliverable recipients")
		f.metrics.Incr(ctx, "skipped_jobs")
		return nil
	}

	j.SetRecipients(kept)
	forwarded, err := job.Encode(j)
	if err != nil {
		return err
	}
	if err := f.store.Push(ctx, f.config.FilteredQueue, forwarded); err != nil {
		return err
	}
	logger.Info("Job forwarded", "recipients", len(kept))
	f.metrics.Incr(ctx, "processed")
	return nil
}

// DrainComplaint pops at most one bounce record and unsubscribes its
// recipients when the bounce reports a permanent failure. Errors are
// absorbed; complaint ingestion is advisory and must not stall filtering.
func (f *Filter) DrainComplaint(ctx context.Context) {
	payload, ok, err := f.store.Pop(ctx, f.config.ComplaintQueue, time.Second)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Error("Store error in complaint processing", "error", err)
			f.metrics.Incr(ctx, "store_errors")
		}
		return
	}
	if !ok {
		return
	}

	var record job.Job
	if err := json.Unmarshal(payload, &record); err != nil {
		f.logger.Error("Dropping undecodable complaint", "error", err)
		f.metrics.Incr(ctx, "json_errors")
		return
	}

	if record.SMTPCode < 500 {
		return
	}

	for _, email := range record.To {
		email = address.Normalize(email)
		if err := address.Validate(email); err != nil {
			f.logger.Error("Invalid email in complaint", "email", email)
			continue
		}
		if err := f.store.SetAdd(ctx, f.config.UnsubscribeSet, email); err != nil {
			f.logger.Error("Failed to unsubscribe complainer", "email", email, "error", err)
			f.metrics.Incr(ctx, "store_errors")
			continue
		}
		f.logger.Info("Auto-unsubscribed recipient after permanent failure",
			"email", email,
			"smtp_code", record.SMTPCode)
		f.metrics.Incr(ctx, "auto_unsubscribed")
	}
}

func (f *Filter) pause(ctx context.Context) {
	select {
	case <-time.After(f.config.ErrorPause):
	case <-ctx.Done():
	}
}
