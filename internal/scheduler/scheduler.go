// Package scheduler runs suites on a cron expression in serve mode.
//
// Scheduled runs go through the same run engine as CLI and API runs, so a
// tick that lands while another run is in progress is skipped rather than
// queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mfzzf/e2b-test-suite/internal/config"
	"github.com/mfzzf/e2b-test-suite/internal/orchestrator"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// Executor runs one suite selection. *orchestrator.Engine implements it.
type Executor interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*suite.Report, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler fires suite runs on a cron schedule.
type Scheduler struct {
	executor Executor
	metrics  *Metrics
	logger   *slog.Logger
	suites   []string
	schedule cron.Schedule
	expr     string
	cron     *cron.Cron
}

// New validates the cron expression and creates a Scheduler.
func New(cfg *config.SchedulerConfig, executor Executor, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("scheduler config is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	expr := strings.TrimSpace(cfg.Cron)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s := &Scheduler{
		executor: executor,
		metrics:  metrics,
		logger:   logger,
		suites:   cfg.Suites,
		schedule: sched,
		expr:     expr,
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.Recover(cronLogger{logger})),
	)
	return s, nil
}

// Start registers the job and starts the cron loop. The returned function
// stops the loop and waits for an in-flight run to finish.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	if _, err := s.cron.AddJob(s.expr, cron.FuncJob(func() { s.fire(ctx) })); err != nil {
		return nil, fmt.Errorf("scheduling %q: %w", s.expr, err)
	}
	s.cron.Start()
	s.logger.InfoContext(ctx, "suite scheduler started",
		slog.String("cron", s.expr),
		slog.String("suites", s.describeSuites()),
		slog.Time("next_run", s.Next(time.Now())),
	)

	return func() {
		<-s.cron.Stop().Done()
		s.logger.Info("suite scheduler stopped")
	}, nil
}

// Next returns the first fire time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Expression returns the cron expression in use.
func (s *Scheduler) Expression() string {
	return s.expr
}

// fire runs a single scheduled tick.
func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RunsFired.Inc()
		defer func() { s.metrics.FireDuration.Observe(time.Since(start).Seconds()) }()
	}

	rep, err := s.executor.Run(ctx, orchestrator.RunRequest{
		Trigger: orchestrator.TriggerSchedule,
		Suites:  s.suites,
	})
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		s.logger.WarnContext(ctx, "scheduled run skipped", slog.String("reason", err.Error()))
		if s.metrics != nil {
			s.metrics.RunsSkipped.Inc()
		}
		return
	case err != nil:
		s.logger.ErrorContext(ctx, "scheduled run failed to start", slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.RunsFailed.Inc()
		}
		return
	}

	passed, failed := rep.Totals()
	s.logger.InfoContext(ctx, "scheduled run finished",
		slog.String("run_id", rep.RunID),
		slog.Int("passed", passed),
		slog.Int("failed", failed),
		slog.Time("next_run", s.Next(time.Now())),
	)
	if s.metrics == nil {
		return
	}
	if rep.Passed() {
		s.metrics.RunsPassed.Inc()
	} else {
		s.metrics.RunsFailed.Inc()
	}
}

func (s *Scheduler) describeSuites() string {
	if len(s.suites) == 0 {
		return "default"
	}
	return strings.Join(s.suites, ",")
}

// NextRunFrom computes the next fire time of expr after from.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
