package suite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultCaseTimeout bounds a single case.
	DefaultCaseTimeout = 5 * time.Minute
	// timeoutGrace is how long a timed-out case may take to return before
	// the runner moves on without it.
	timeoutGrace = 5 * time.Second

	bannerWidth = 60
)

// Status is the outcome of a case or suite.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	// StatusAborted marks cases that never started and suites cut short
	// because the run was cancelled.
	StatusAborted Status = "aborted"
)

// CaseResult is the outcome of one case.
type CaseResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SuiteResult is the outcome of one suite.
type SuiteResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Cases    []CaseResult  `json:"cases"`
	Duration time.Duration `json:"duration"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
}

// Report is the outcome of a run.
type Report struct {
	RunID     string        `json:"run_id"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Suites    []SuiteResult `json:"suites"`
}

// Passed reports whether every suite passed or was skipped.
func (r *Report) Passed() bool {
	return r.Status() == StatusPassed
}

// Status is failed when any suite failed, aborted when the run was
// cancelled before every suite finished, and passed otherwise.
func (r *Report) Status() Status {
	status := StatusPassed
	for _, s := range r.Suites {
		switch s.Status {
		case StatusFailed:
			return StatusFailed
		case StatusAborted:
			status = StatusAborted
		}
	}
	return status
}

// ExitCode is 0 when the run passed and 1 otherwise.
func (r *Report) ExitCode() int {
	if r.Passed() {
		return 0
	}
	return 1
}

// Totals counts passed and failed suites. Skipped suites count as passed,
// aborted suites as failed.
func (r *Report) Totals() (passed, failed int) {
	for _, s := range r.Suites {
		switch s.Status {
		case StatusFailed, StatusAborted:
			failed++
		default:
			passed++
		}
	}
	return passed, failed
}

// Hooks observe a run. Any field may be nil.
type Hooks struct {
	// OnStart fires before the first suite; rep holds only the run id,
	// trigger and start time.
	OnStart func(ctx context.Context, rep *Report)
	OnCase  func(ctx context.Context, suite string, res CaseResult)
	OnSuite func(ctx context.Context, res SuiteResult)
	OnRun   func(ctx context.Context, rep *Report)
}

// Options configure a Runner.
type Options struct {
	Out         io.Writer
	Logger      *slog.Logger
	CaseTimeout time.Duration
	Tracer      trace.Tracer
	Hooks       []Hooks
	// Verbose prints case log lines.
	Verbose bool
}

// Runner executes suites sequentially. Concurrent calls to Run are
// serialized.
type Runner struct {
	out         io.Writer
	logger      *slog.Logger
	caseTimeout time.Duration
	tracer      trace.Tracer
	hooks       []Hooks
	verbose     bool

	runMu sync.Mutex
	outMu sync.Mutex
}

// NewRunner returns a runner. Output defaults to io.Discard.
func NewRunner(opts Options) *Runner {
	r := &Runner{
		out:         opts.Out,
		logger:      opts.Logger,
		caseTimeout: opts.CaseTimeout,
		tracer:      opts.Tracer,
		hooks:       opts.Hooks,
		verbose:     opts.Verbose,
	}
	if r.out == nil {
		r.out = io.Discard
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.caseTimeout <= 0 {
		r.caseTimeout = DefaultCaseTimeout
	}
	return r
}

func (r *Runner) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}

// Run executes suites in order and prints a summary. trigger records who
// started the run (cli, schedule, api).
func (r *Runner) Run(ctx context.Context, trigger string, suites []*Suite) *Report {
	return r.RunWithID(ctx, uuid.NewString(), trigger, suites)
}

// RunWithID is Run with a caller-chosen run id.
func (r *Runner) RunWithID(ctx context.Context, runID, trigger string, suites []*Suite) *Report {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	rep := &Report{RunID: runID, Trigger: trigger, StartedAt: time.Now().UTC()}
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "suite.run", trace.WithAttributes(
			attribute.String("run.id", rep.RunID),
			attribute.String("run.trigger", trigger),
			attribute.Int("run.suites", len(suites)),
		))
		defer span.End()
	}
	r.logger.InfoContext(ctx, "run started",
		slog.String("run_id", rep.RunID),
		slog.String("trigger", trigger),
		slog.Int("suites", len(suites)),
	)
	for _, h := range r.hooks {
		if h.OnStart != nil {
			h.OnStart(ctx, rep)
		}
	}

	for _, s := range suites {
		res := r.RunSuite(ctx, s)
		rep.Suites = append(rep.Suites, res)
	}
	rep.Duration = time.Since(rep.StartedAt)

	if len(suites) > 1 {
		r.printSummary(rep)
	}
	passed, failed := rep.Totals()
	if r.tracer != nil && failed > 0 {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, fmt.Sprintf("%d suites failed", failed))
	}
	r.logger.InfoContext(ctx, "run finished",
		slog.String("run_id", rep.RunID),
		slog.Int("passed", passed),
		slog.Int("failed", failed),
		slog.Duration("duration", rep.Duration),
	)
	for _, h := range r.hooks {
		if h.OnRun != nil {
			h.OnRun(ctx, rep)
		}
	}
	return rep
}

// RunSuite executes the cases of one suite in order.
func (r *Runner) RunSuite(ctx context.Context, s *Suite) SuiteResult {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "suite.suite", trace.WithAttributes(
			attribute.String("suite.name", s.Name),
		))
		defer span.End()
	}

	line := strings.Repeat("#", bannerWidth)
	r.printf("\n%s\n# Running suite: %s\n%s\n\n", line, s.Name, line)

	start := time.Now()
	res := SuiteResult{Name: s.Name}
	for _, c := range s.Cases {
		if ctx.Err() != nil {
			cr := CaseResult{Name: c.Name, Status: StatusAborted, Message: "run aborted"}
			res.Cases = append(res.Cases, cr)
			r.printCase(cr)
			continue
		}
		cr := r.runCase(ctx, s.Name, c)
		res.Cases = append(res.Cases, cr)
		r.printCase(cr)
		for _, h := range r.hooks {
			if h.OnCase != nil {
				h.OnCase(ctx, s.Name, cr)
			}
		}
	}
	res.Duration = time.Since(start)

	aborted := 0
	for _, cr := range res.Cases {
		switch cr.Status {
		case StatusPassed:
			res.Passed++
		case StatusFailed:
			res.Failed++
		case StatusSkipped:
			res.Skipped++
		case StatusAborted:
			aborted++
		}
	}
	switch {
	case res.Failed > 0:
		res.Status = StatusFailed
		r.printf("\n❌ Suite %s failed (%d passed, %d failed, %d skipped)\n", s.Name, res.Passed, res.Failed, res.Skipped)
	case aborted > 0:
		res.Status = StatusAborted
		r.printf("\n⊘ Suite %s aborted (%d passed, %d not run)\n", s.Name, res.Passed, aborted)
	case res.Passed == 0 && res.Skipped > 0:
		res.Status = StatusSkipped
		r.printf("\n- Suite %s skipped\n", s.Name)
	default:
		res.Status = StatusPassed
		r.printf("\n✅ Suite %s passed (%d passed, %d skipped)\n", s.Name, res.Passed, res.Skipped)
	}
	if res.Status == StatusFailed && r.tracer != nil {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, "suite failed")
	}
	for _, h := range r.hooks {
		if h.OnSuite != nil {
			h.OnSuite(ctx, res)
		}
	}
	return res
}

func (r *Runner) runCase(ctx context.Context, suiteName string, c Case) CaseResult {
	ctx, cancel := context.WithTimeout(ctx, r.caseTimeout)
	defer cancel()

	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "suite.case", trace.WithAttributes(
			attribute.String("suite.name", suiteName),
			attribute.String("case.name", c.Name),
		))
		defer span.End()
	}

	logger := r.logger.With(slog.String("suite", suiteName), slog.String("case", c.Name))
	logf := func(msg string) {
		logger.DebugContext(ctx, msg)
		if r.verbose {
			r.printf("    %s\n", msg)
		}
	}
	t := newT(ctx, c.Name, logger, logf)

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer t.runCleanups()
		defer func() {
			if p := recover(); p != nil {
				t.Errorf("panic: %v", p)
			}
		}()
		c.Run(t)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(timeoutGrace):
			t.Errorf("case did not finish within %s", r.caseTimeout)
		}
	}

	res := CaseResult{Name: c.Name, Duration: time.Since(start), Message: t.message()}
	switch {
	case t.Failed():
		res.Status = StatusFailed
		if span != nil {
			span.SetStatus(codes.Error, res.Message)
		}
		logger.WarnContext(ctx, "case failed", slog.String("error", res.Message))
	case t.Skipped():
		res.Status = StatusSkipped
	default:
		res.Status = StatusPassed
	}
	return res
}

func (r *Runner) printCase(cr CaseResult) {
	d := cr.Duration.Round(time.Millisecond)
	switch cr.Status {
	case StatusPassed:
		r.printf("  ✓ %s (%s)\n", cr.Name, d)
	case StatusFailed:
		r.printf("  ✗ %s (%s): %s\n", cr.Name, d, cr.Message)
	case StatusSkipped:
		r.printf("  - %s (skipped: %s)\n", cr.Name, cr.Message)
	case StatusAborted:
		r.printf("  ⊘ %s (%s)\n", cr.Name, cr.Message)
	}
}

func (r *Runner) printSummary(rep *Report) {
	eq := strings.Repeat("=", bannerWidth)
	r.printf("\n%s\nSummary\n%s\n", eq, eq)
	for _, s := range rep.Suites {
		status := "✅ passed"
		switch s.Status {
		case StatusFailed:
			status = "❌ failed"
		case StatusSkipped:
			status = "- skipped"
		case StatusAborted:
			status = "⊘ aborted"
		}
		r.printf("  %s: %s\n", s.Name, status)
	}
	passed, failed := rep.Totals()
	r.printf("%s\nTotal: %d passed, %d failed\n%s\n", strings.Repeat("-", bannerWidth), passed, failed, eq)
}
