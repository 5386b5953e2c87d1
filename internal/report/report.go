// Package report snapshots the terminal queues to timestamped JSON files so
// operators can audit delivery outcomes without touching the live store.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/busybox42/mailflow/internal/metrics"
	"github.com/busybox42/mailflow/internal/store"
)

// Config holds the exporter tunables.
type Config struct {
	Dir      string
	Queues   []string
	Interval time.Duration
	MaxAge   time.Duration
}

// DefaultConfig returns the exporter defaults.
func DefaultConfig() Config {
	return Config{
		Dir:      "reports",
		Queues:   []string{"delivered", "bounced", "permanent_failed"},
		Interval: 24 * time.Hour,
		MaxAge:   30 * 24 * time.Hour,
	}
}

// Section is one queue's snapshot within a report.
type Section struct {
	Count int64             `json:"count"`
	Items []json.RawMessage `json:"items"`
}

// Exporter writes periodic queue snapshots and prunes old ones.
type Exporter struct {
	config  Config
	store   store.Store
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewExporter creates a report exporter over the shared store.
func NewExporter(config Config, st store.Store) *Exporter {
	return &Exporter{
		config:  config,
		store:   st,
		metrics: metrics.NewRecorder(st, "report"),
		logger:  slog.Default().With("component", "report"),
		now:     time.Now,
	}
}

// Run generates a report per interval until ctx is canceled.
func (e *Exporter) Run(ctx context.Context) error {
	if err := os.MkdirAll(e.config.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	e.logger.Info("Report exporter started",
		"dir", e.config.Dir,
		"interval", e.config.Interval)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		e.Cleanup()
		if _, err := e.Generate(ctx); err != nil {
			e.logger.Error("Report generation failed", "error", err)
			e.metrics.Incr(ctx, "errors")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Generate writes one snapshot and returns its path. Queue contents are read
// without consuming; the terminal queues are append-only from the pipeline's
// point of view.
func (e *Exporter) Generate(ctx context.Context) (string, error) {
	report := make(map[string]Section, len(e.config.Queues))
	for _, queue := range e.config.Queues {
		count, err := e.store.QueueLen(ctx, queue)
		if err != nil {
			return "", fmt.Errorf("measure %s: %w", queue, err)
		}
		items, err := e.store.QueueRange(ctx, queue, 0, -1)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", queue, err)
		}

		section := Section{Count: count, Items: make([]json.RawMessage, 0, len(items))}
		for _, item := range items {
			if json.Valid([]byte(item)) {
				section.Items = append(section.Items, json.RawMessage(item))
			} else {
				encoded, _ := json.Marshal(item)
				section.Items = append(section.Items, json.RawMessage(encoded))
			}
		}
		report[queue] = section

		e.metrics.Gauge(ctx, queue+"_count", count)
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(e.config.Dir, fmt.Sprintf("daily_%d.json", e.now().Unix()))
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	e.logger.Info("Generated report", "file", path)
	e.metrics.Incr(ctx, "total_generated")
	return path, nil
}

// Cleanup removes reports older than the configured age. Failures are
// logged; a full disk of stale reports is an operator problem, not a
// pipeline one.
func (e *Exporter) Cleanup() {
	entries, err := os.ReadDir(e.config.Dir)
	if err != nil {
		e.logger.Error("Failed to scan report dir", "dir", e.config.Dir, "error", err)
		return
	}

	cutoff := e.now().Add(-e.config.MaxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(e.config.Dir, entry.Name())
			if err := os.Remove(path); err != nil {
				e.logger.Error("Failed to delete old report", "file", path, "error", err)
				continue
			}
			e.logger.Info("Deleted old report", "file", path)
		}
	}
}
