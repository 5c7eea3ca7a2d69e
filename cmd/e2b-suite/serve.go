package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfzzf/e2b-test-suite/internal/audit"
	"github.com/mfzzf/e2b-test-suite/internal/config"
	"github.com/mfzzf/e2b-test-suite/internal/gateway/httpapi"
	"github.com/mfzzf/e2b-test-suite/internal/observability"
	"github.com/mfzzf/e2b-test-suite/internal/ratelimit"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/scheduler"
)

type serveOptions struct {
	addr     string
	schedule string
}

var serveFlags serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API and run suites on a schedule",
	Example: `  e2b-suite serve
  e2b-suite serve --addr :9090 --schedule "*/30 * * * *"`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "override HTTP listen address (e.g. :8080)")
	serveCmd.Flags().StringVar(&serveFlags.schedule, "schedule", "", "cron expression for scheduled runs (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveFlags.addr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = serveFlags.addr
	}
	if serveFlags.schedule != "" {
		if cfg.Scheduler == nil {
			cfg.Scheduler = &config.SchedulerConfig{}
		}
		cfg.Scheduler.Cron = serveFlags.schedule
	}

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := sc.newEngine(os.Stdout, false)
	if err != nil {
		return err
	}

	gwCfg := httpapi.Config{
		ListenAddr:  cfg.HTTP.Addr(),
		Version:     version,
		FailureRate: sc.Obs.FailureRateOrNil(),
	}
	if cfg.HTTP != nil {
		gwCfg.APIKeys = cfg.HTTP.APIKeys
		gwCfg.EnableDocs = cfg.HTTP.EnableDocs
		gwCfg.Limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		})
		if cfg.HTTP.AuditLog != "" {
			auditLog, err := audit.Open(cfg.HTTP.AuditLog, logger)
			if err != nil {
				return err
			}
			sc.addCleanup(func() { _ = auditLog.Close() })
			gwCfg.Audit = auditLog
		}
	}
	health := observability.NewHealthChecker(logger)
	if sc.Obs != nil {
		health = sc.Obs.Health
	}
	health.SetVersion(version)
	health.AddCheck("store", sc.Store.Ping)
	health.AddCheck("platform", platformCheck(sc.Client, logger))
	gwCfg.HealthChecker = health
	if sc.Obs != nil {
		if sc.Obs.Metrics != nil {
			gwCfg.Metrics = sc.Obs.Metrics
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}
	gw := httpapi.NewGateway(gwCfg, engine, sc.Store, sc.Registry, logger)

	stopScheduler := func() {}
	if cfg.Scheduler != nil {
		var schedMetrics *scheduler.Metrics
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			schedMetrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
		}
		sched, err := scheduler.New(cfg.Scheduler, engine, schedMetrics, logger)
		if err != nil {
			return err
		}
		if stopScheduler, err = sched.Start(ctx); err != nil {
			return err
		}
		gw.WithSchedule(sched)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	stopScheduler()
	if engine.Cancel() {
		logger.Info("cancelling run in progress")
	}
	engine.Wait()
	return gw.Stop()
}

// platformCheck reports the control plane reachable when listing sandboxes
// succeeds.
func platformCheck(client *sandbox.Client, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_, err := client.List(sandbox.ListQuery{Limit: 1}).Next(ctx)
		if err != nil {
			logger.Debug("platform check failed", slog.String("error", err.Error()))
		}
		return err
	}
}
