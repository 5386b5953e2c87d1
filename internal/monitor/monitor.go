// Package monitor samples the intake queue depth and exposes it to
// Prometheus. It is the pipeline's early-warning surface: a growing intake
// queue means delivery is not keeping up with admission.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/mailflow/internal/store"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailflow_queue_length",
			Help: "Current length of a pipeline queue",
		},
		[]string{"queue"},
	)
	queueChecks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_queue_checks_total",
			Help: "Total number of queue depth checks",
		},
	)
)

// Config holds the sampler tunables.
type Config struct {
	Queue         string
	ListenAddr    string
	SampleEvery   time.Duration
	HighWatermark int64
}

// DefaultConfig returns the sampler defaults.
func DefaultConfig() Config {
	return Config{
		Queue:         "email_jobs",
		ListenAddr:    ":8000",
		SampleEvery:   10 * time.Second,
		HighWatermark: 1000,
	}
}

// Monitor periodically measures one queue and publishes the depth.
type Monitor struct {
	config Config
	store  store.Store
	logger *slog.Logger
	server *http.Server
}

// NewMonitor creates a queue depth sampler.
func NewMonitor(config Config, st store.Store) *Monitor {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Monitor{
		config: config,
		store:  st,
		logger: slog.Default().With("component", "monitor"),
		server: &http.Server{Addr: config.ListenAddr, Handler: mux},
	}
}

// Run serves the metrics endpoint and samples until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Queue monitor started",
		"queue", m.config.Queue,
		"listen", m.config.ListenAddr)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(shutdownCtx)
	}()

	ticker := time.NewTicker(m.config.SampleEvery)
	defer ticker.Stop()

	for {
		m.Sample(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sample measures the queue once. Transient store failures are retried a few
// times with a short backoff before the check is abandoned.
func (m *Monitor) Sample(ctx context.Context) {
	length, err := m.lenWithRetry(ctx)
	if err != nil {
		m.logger.Error("Failed to check queue length", "queue", m.config.Queue, "error", err)
		return
	}

	queueLength.WithLabelValues(m.config.Queue).Set(float64(length))
	queueChecks.Inc()
	m.logger.Info("Queue length", "queue", m.config.Queue, "length", length)

	if length > m.config.HighWatermark {
		m.logger.Warn("High queue length detected",
			"queue", m.config.Queue,
			"length", length,
			"watermark", m.config.HighWatermark)
	}
}

func (m *Monitor) lenWithRetry(ctx context.Context) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		length, err := m.store.QueueLen(ctx, m.config.Queue)
		if err == nil {
			return length, nil
		}
		lastErr = err
	}
	return 0, lastErr
}
