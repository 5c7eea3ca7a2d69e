// Package orchestrator serializes suite runs started from the CLI, the
// scheduler and the HTTP API, and persists their reports.
//
// Only one run executes at a time. A second request while a run is active
// fails with ErrBusy instead of queueing, so a slow scheduled run never piles
// up behind itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfzzf/e2b-test-suite/internal/storage"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// Triggers recorded on every run.
const (
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

// ErrBusy is returned when a run is already in progress.
var ErrBusy = errors.New("a run is already in progress")

// saveTimeout bounds persisting a report after the run context is gone.
const saveTimeout = 10 * time.Second

// notifyTimeout bounds announcing a finished run.
const notifyTimeout = 30 * time.Second

// Notifier is told about every finished run. *notification.Dispatcher
// implements it.
type Notifier interface {
	Notify(ctx context.Context, rep *suite.Report) error
}

// RunRequest selects the suites of one run.
type RunRequest struct {
	Trigger string   `json:"trigger,omitempty"`
	Suites  []string `json:"suites,omitempty"` // Empty = default suites.
	All     bool     `json:"all,omitempty"`    // Every registered suite; overrides Suites.
}

// ActiveRun describes the run currently executing.
type ActiveRun struct {
	RunID     string    `json:"run_id"`
	Trigger   string    `json:"trigger"`
	Suites    []string  `json:"suites"`
	StartedAt time.Time `json:"started_at"`
}

// Engine owns the runner and the run store.
type Engine struct {
	registry *suite.Registry
	runner   *suite.Runner
	store    storage.RunStore // nil = reports are not persisted
	logger   *slog.Logger
	defaults []string // Overrides the registry's default-tagged suites.
	notifier Notifier // nil = no notifications

	mu     sync.Mutex
	active *ActiveRun
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a run engine. store may be nil.
func NewEngine(registry *suite.Registry, runner *suite.Runner, store storage.RunStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		registry: registry,
		runner:   runner,
		store:    store,
		logger:   logger,
	}
}

// WithDefaults sets the suites run when a request names none.
func (e *Engine) WithDefaults(names []string) *Engine {
	e.defaults = names
	return e
}

// WithNotifier announces finished runs through n.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// Resolve maps a request to registered suites.
func (e *Engine) Resolve(req RunRequest) ([]*suite.Suite, error) {
	switch {
	case req.All:
		return e.registry.All(), nil
	case len(req.Suites) == 0 && len(e.defaults) > 0:
		return e.registry.Select(e.defaults...)
	case len(req.Suites) == 0:
		return e.registry.Defaults(), nil
	default:
		return e.registry.Select(req.Suites...)
	}
}

// Run executes the request synchronously and returns its report.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*suite.Report, error) {
	suites, err := e.Resolve(req)
	if err != nil {
		return nil, err
	}
	run, runCtx, err := e.acquire(ctx, req, suites)
	if err != nil {
		return nil, err
	}
	defer e.release()
	return e.execute(runCtx, run, suites), nil
}

// Submit starts the request in the background and returns at once. The run
// outlives ctx; use Cancel to stop it.
func (e *Engine) Submit(ctx context.Context, req RunRequest) (*ActiveRun, error) {
	suites, err := e.Resolve(req)
	if err != nil {
		return nil, err
	}
	run, runCtx, err := e.acquire(context.WithoutCancel(ctx), req, suites)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()
		e.execute(runCtx, run, suites)
	}()
	snapshot := *run
	return &snapshot, nil
}

// Active returns the run in progress, if any.
func (e *Engine) Active() (ActiveRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ActiveRun{}, false
	}
	return *e.active, true
}

// Cancel stops the active run. It reports whether a run was active.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// Wait blocks until every submitted run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) acquire(ctx context.Context, req RunRequest, suites []*suite.Suite) (*ActiveRun, context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBusy, e.active.RunID)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerCLI
	}
	names := make([]string, len(suites))
	for i, s := range suites {
		names[i] = s.Name
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active = &ActiveRun{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		Suites:    names,
		StartedAt: time.Now().UTC(),
	}
	e.cancel = cancel
	return e.active, runCtx, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.active = nil
	e.cancel = nil
}

func (e *Engine) execute(ctx context.Context, run *ActiveRun, suites []*suite.Suite) *suite.Report {
	rep := e.runner.RunWithID(ctx, run.RunID, run.Trigger, suites)
	e.save(ctx, rep)
	e.notify(ctx, rep)
	return rep
}

func (e *Engine) save(ctx context.Context, rep *suite.Report) {
	if e.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := e.store.SaveRun(saveCtx, rep); err != nil {
		e.logger.ErrorContext(ctx, "saving run report",
			slog.String("run_id", rep.RunID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) notify(ctx context.Context, rep *suite.Report) {
	if e.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(notifyCtx, rep); err != nil {
		e.logger.WarnContext(ctx, "notifying run result",
			slog.String("run_id", rep.RunID),
			slog.String("error", err.Error()),
		)
	}
}
