package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/mailflow/internal/auth"
	"github.com/busybox42/mailflow/internal/cache"
	"github.com/busybox42/mailflow/internal/config"
	"github.com/busybox42/mailflow/internal/delivery"
	"github.com/busybox42/mailflow/internal/dkim"
	"github.com/busybox42/mailflow/internal/gateway"
	"github.com/busybox42/mailflow/internal/monitor"
	"github.com/busybox42/mailflow/internal/report"
	"github.com/busybox42/mailflow/internal/reputation"
	"github.com/busybox42/mailflow/internal/retry"
	"github.com/busybox42/mailflow/internal/smtpclient"
	"github.com/busybox42/mailflow/internal/store"
	"github.com/busybox42/mailflow/internal/template"
	"github.com/busybox42/mailflow/internal/unsub"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP admission gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
			return startGateway(ctx, g, cfg, st)
		})
	},
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Start the unsubscribe filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
			f := unsub.NewFilter(cfg.FilterConfig(), st)
			g.Go(func() error { return f.Run(ctx) })
			return nil
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the SMTP delivery engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(startDelivery)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Start the retry engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
			e := retry.NewEngine(cfg.RetryConfig(), st)
			g.Go(func() error { return e.Run(ctx) })
			return nil
		})
	},
}

var reputationCmd = &cobra.Command{
	Use:   "reputation",
	Short: "Start the IP reputation monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
			sender := smtpclient.New(cfg.Delivery.HeloName)
			m := reputation.NewMonitor(cfg.ReputationConfig(), st, nil, sender)
			g.Go(func() error { return m.Run(ctx) })
			return nil
		})
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Start the queue depth monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
			m := monitor.NewMonitor(cfg.MonitorConfig(), st)
			g.Go(func() error { return m.Run(ctx) })
			return nil
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Start the report exporter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
			e := report.NewExporter(cfg.ReportConfig(), st)
			g.Go(func() error { return e.Run(ctx) })
			return nil
		})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every pipeline stage in one process",
	Long: `Run the gateway, filter, delivery, retry, reputation, monitor and
report stages together. Meant for development and small installations;
production deployments run one stage per process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
			if err := startGateway(ctx, g, cfg, st); err != nil {
				return err
			}
			if err := startDelivery(ctx, g, cfg, st); err != nil {
				return err
			}

			f := unsub.NewFilter(cfg.FilterConfig(), st)
			g.Go(func() error { return f.Run(ctx) })

			e := retry.NewEngine(cfg.RetryConfig(), st)
			g.Go(func() error { return e.Run(ctx) })

			rm := reputation.NewMonitor(cfg.ReputationConfig(), st, nil, smtpclient.New(cfg.Delivery.HeloName))
			g.Go(func() error { return rm.Run(ctx) })

			qm := monitor.NewMonitor(cfg.MonitorConfig(), st)
			g.Go(func() error { return qm.Run(ctx) })

			rx := report.NewExporter(cfg.ReportConfig(), st)
			g.Go(func() error { return rx.Run(ctx) })
			return nil
		})
	},
}

// withPipeline is the shared stage harness: load config, connect the store,
// run the stage goroutines under a signal-canceled errgroup.
func withPipeline(start func(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Factory(cfg.Store)
	if err != nil {
		return err
	}
	if err := st.Connect(); err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if err := start(ctx, g, cfg, st); err != nil {
		return err
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startGateway(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
	templateCache, err := cache.Factory(cache.Config{
		Type:     cfg.Template.CacheType,
		Host:     cfg.Template.CacheHost,
		Port:     cfg.Template.CachePort,
		Password: cfg.Store.Password,
	})
	if err != nil {
		return err
	}
	if err := templateCache.Connect(); err != nil {
		return fmt.Errorf("failed to connect template cache: %w", err)
	}

	templates := template.NewStore(st, templateCache, cfg.TemplateCacheTTL())
	gw := gateway.New(cfg.GatewayConfig(), st, templates)

	authenticator, err := auth.New(cfg.JWTSecret(), cfg.Gateway.APIKeyFile)
	if err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			return fmt.Errorf("no authentication configured: set MAILFLOW_JWT_SECRET or gateway.api_key_file")
		}
		return err
	}

	srv := gateway.NewServer(gateway.ServerConfig{ListenAddr: cfg.Gateway.Listen}, gw, authenticator, st, version)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		templateCache.Close()
		return ctx.Err()
	})
	return nil
}

func startDelivery(ctx context.Context, g *errgroup.Group, cfg *config.Config, st store.Store) error {
	endpoints, err := delivery.LoadEndpoints(cfg.Delivery.EndpointFile, cfg.Delivery.SecretsDir)
	if err != nil {
		return err
	}

	signer, err := dkim.NewSigner(cfg.DKIM)
	if err != nil {
		return err
	}

	w := newDeliveryWorker(cfg, st, endpoints, signer)
	g.Go(func() error { return w.Run(ctx) })
	return nil
}

func newDeliveryWorker(cfg *config.Config, st store.Store, endpoints []delivery.Endpoint, signer *dkim.Signer) *delivery.Worker {
	sender := smtpclient.New(cfg.Delivery.HeloName)
	if signer == nil {
		// Avoid a typed-nil interface inside the worker.
		return delivery.NewWorker(cfg.DeliveryConfig(), st, endpoints, sender, nil)
	}
	return delivery.NewWorker(cfg.DeliveryConfig(), st, endpoints, sender, signer)
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key helpers",
}

func init() {
	apikeyCmd.AddCommand(&cobra.Command{
		Use:   "hash <secret>",
		Short: "Hash an API key secret for the key file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, hash)
			return nil
		},
	})
}
