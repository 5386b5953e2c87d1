// Package gateway implements admission control: the gate deciding whether an
// inbound send request becomes a job in the pipeline.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/mailflow/internal/address"
	"github.com/busybox42/mailflow/internal/job"
	"github.com/busybox42/mailflow/internal/metrics"
	"github.com/busybox42/mailflow/internal/ratelimit"
	"github.com/busybox42/mailflow/internal/store"
	"github.com/busybox42/mailflow/internal/template"
)

// Reason classifies why admission rejected a request.
type Reason string

const (
	ReasonUnauthorized          Reason = "unauthorized"
	ReasonMalformed             Reason = "malformed"
	ReasonRecipientUnsubscribed Reason = "recipient_unsubscribed"
	ReasonForbidden             Reason = "forbidden"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonTemplateNotFound      Reason = "template_not_found"
	ReasonTemplateInvalid       Reason = "template_invalid"
)

// RejectionError carries the admission verdict for a refused request.
type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

func reject(reason Reason, detail string) *RejectionError {
	return &RejectionError{Reason: reason, Detail: detail}
}

// Receipt confirms an accepted submission.
type Receipt struct {
	JobID       string
	SubmittedAt time.Time
}

// Config holds admission control settings.
type Config struct {
	IntakeQueue    string
	UnsubscribeSet string
	BlacklistSet   string
	RateLimit      int64
	RateWindow     time.Duration
}

// DefaultConfig returns the stock admission settings.
func DefaultConfig() Config {
	return Config{
		IntakeQueue:    "email_jobs",
		UnsubscribeSet: "unsubscribed_emails",
		BlacklistSet:   "blacklisted_ips",
		RateLimit:      100,
		RateWindow:     time.Hour,
	}
}

// Gateway validates, deduplicates, rate-limits, expands templates, and
// enqueues candidate jobs.
type Gateway struct {
	config    Config
	store     store.Store
	limiter   *ratelimit.Limiter
	templates *template.Store
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// New creates a gateway over the shared store.
func New(config Config, s store.Store, templates *template.Store) *Gateway {
	return &Gateway{
		config:    config,
		store:     s,
		limiter:   ratelimit.New(s, "ip", config.RateLimit, config.RateWindow),
		templates: templates,
		metrics:   metrics.NewRecorder(s, "gateway"),
		logger:    slog.Default().With("component", "gateway"),
	}
}

// Submit runs the admission pipeline for a candidate job. The checks run in a
// fixed order and the first failure wins. authenticated is the verdict
// supplied by the external auth layer. A *RejectionError return is a policy
// decision; any other error is a store failure the caller should surface as
// unavailability.
func (g *Gateway) Submit(ctx context.Context, j *job.Job, clientIP string, authenticated bool) (*Receipt, error) {
	if !authenticated {
		g.logger.Warn("rejected unauthenticated submission", "client_ip", clientIP)
		return nil, reject(ReasonUnauthorized, "missing or invalid credentials")
	}

	if err := j.Validate(); err != nil {
		g.logger.Warn("rejected malformed submission", "client_ip", clientIP, "error", err)
		return nil, reject(ReasonMalformed, "missing required fields")
	}

	for _, rcpt := range j.Recipients() {
		unsubscribed, err := g.store.SetIsMember(ctx, g.config.UnsubscribeSet, address.Normalize(rcpt))
		if err != nil {
			return nil, fmt.Errorf("unsubscribe check: %w", err)
		}
		if unsubscribed {
			// The whole job is refused here; partial recipient filtering is
			// the filter stage's business, not admission's.
			g.logger.Warn("rejected job with unsubscribed recipient", "recipient", rcpt)
			return nil, reject(ReasonRecipientUnsubscribed, rcpt)
		}
	}

	blacklisted, err := g.store.SetIsMember(ctx, g.config.BlacklistSet, clientIP)
	if err != nil {
		return nil, fmt.Errorf("blacklist check: %w", err)
	}
	if blacklisted {
		g.logger.Warn("rejected blacklisted client", "client_ip", clientIP)
		return nil, reject(ReasonForbidden, "client IP blacklisted")
	}

	allowed, err := g.limiter.Allow(ctx, clientIP)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		g.logger.Warn("rate limit exceeded", "client_ip", clientIP)
		return nil, reject(ReasonRateLimited, "too many submissions")
	}

	if j.TemplateID != "" {
		body, err := g.templates.Fetch(ctx, j.TemplateID)
		if errors.Is(err, template.ErrNotFound) {
			g.logger.Warn("template not found", "template_id", j.TemplateID)
			return nil, reject(ReasonTemplateNotFound, j.TemplateID)
		} else if err != nil {
			return nil, fmt.Errorf("template fetch: %w", err)
		}

		rendered, err := template.Render(body, j.TemplateData)
		if err != nil {
			g.logger.Warn("template render failed", "template_id", j.TemplateID, "error", err)
			return nil, reject(ReasonTemplateInvalid, err.Error())
		}
		j.Body = rendered
	}

	now := time.Now()
	j.ID = uuid.New().String()
	j.SubmittedAt = float64(now.UnixNano()) / float64(time.Second)
	j.ClientIP = clientIP

	payload, err := job.Encode(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	if err := g.store.Push(ctx, g.config.IntakeQueue, payload); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	g.metrics.Incr(ctx, "jobs_queued")
	g.logger.Info("job queued", "job_id", j.ID, "client_ip", clientIP)

	return &Receipt{JobID: j.ID, SubmittedAt: now}, nil
}
