package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/storage"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "runs.db")}, discardLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func report(id, trigger string, started time.Time, suites ...suite.SuiteResult) *suite.Report {
	return &suite.Report{
		RunID:     id,
		Trigger:   trigger,
		StartedAt: started,
		Duration:  3 * time.Second,
		Suites:    suites,
	}
}

func passedSuite(name string) suite.SuiteResult {
	return suite.SuiteResult{
		Name:     name,
		Status:   suite.StatusPassed,
		Duration: 1500 * time.Millisecond,
		Passed:   2,
		Cases: []suite.CaseResult{
			{Name: "first", Status: suite.StatusPassed, Duration: time.Second},
			{Name: "second", Status: suite.StatusPassed, Duration: 500 * time.Millisecond},
		},
	}
}

func failedSuite(name string) suite.SuiteResult {
	return suite.SuiteResult{
		Name:    name,
		Status:  suite.StatusFailed,
		Passed:  1,
		Failed:  1,
		Skipped: 1,
		Cases: []suite.CaseResult{
			{Name: "ok", Status: suite.StatusPassed},
			{Name: "broken", Status: suite.StatusFailed, Message: "stdout = \"\", want \"hello\""},
			{Name: "gated", Status: suite.StatusSkipped, Message: "OPENAI_API_KEY not set"},
		},
	}
}

// --- SaveRun / GetRun ---

func TestSaveAndGetRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	rep := report("run-1", "cli", started, passedSuite("sandbox_basic"), failedSuite("commands"))
	if err := s.SaveRun(ctx, rep); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Trigger != "cli" || got.Duration != 3*time.Second {
		t.Errorf("run = %+v", got)
	}
	if len(got.Suites) != 2 || got.Suites[0].Name != "sandbox_basic" || got.Suites[1].Name != "commands" {
		t.Fatalf("suites = %+v", got.Suites)
	}
	cmds := got.Suites[1]
	if cmds.Status != suite.StatusFailed || cmds.Failed != 1 || cmds.Skipped != 1 {
		t.Errorf("commands = %+v", cmds)
	}
	if len(cmds.Cases) != 3 || cmds.Cases[1].Name != "broken" || cmds.Cases[1].Message != "stdout = \"\", want \"hello\"" {
		t.Errorf("cases = %+v", cmds.Cases)
	}
	if got.Suites[0].Cases[1].Duration != 500*time.Millisecond {
		t.Errorf("case duration = %v", got.Suites[0].Cases[1].Duration)
	}
	if got.Passed() {
		t.Error("reloaded run should not pass")
	}
}

func TestSaveRun_Duplicate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rep := report("run-dup", "cli", time.Now(), passedSuite("pty"))
	if err := s.SaveRun(ctx, rep); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	if err := s.SaveRun(ctx, rep); !errors.Is(err, storage.ErrDuplicateRun) {
		t.Errorf("second SaveRun() = %v, want ErrDuplicateRun", err)
	}
}

func TestSaveRun_EmptyID(t *testing.T) {
	s := openStore(t)
	if err := s.SaveRun(context.Background(), &suite.Report{}); err == nil {
		t.Error("expected an error for an empty run id")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := openStore(t)
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRun() = %v, want ErrNotFound", err)
	}
}

// --- ListRuns / SuiteHistory ---

func seed(t *testing.T, s *Store) time.Time {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for _, rep := range []*suite.Report{
		report("r1", "cli", base, passedSuite("sandbox_basic")),
		report("r2", "schedule", base.Add(10*time.Minute), passedSuite("sandbox_basic"), failedSuite("pty")),
		report("r3", "api", base.Add(20*time.Minute), passedSuite("pty")),
	} {
		if err := s.SaveRun(ctx, rep); err != nil {
			t.Fatalf("SaveRun(%s) error = %v", rep.RunID, err)
		}
	}
	return base
}

func runIDs(runs []storage.RunSummary) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.RunID
	}
	return ids
}

func TestListRuns(t *testing.T) {
	s := openStore(t)
	seed(t, s)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter storage.RunFilter
		want   []string
	}{
		{"all newest first", storage.RunFilter{}, []string{"r3", "r2", "r1"}},
		{"limit", storage.RunFilter{Limit: 2}, []string{"r3", "r2"}},
		{"trigger", storage.RunFilter{Trigger: "schedule"}, []string{"r2"}},
		{"failed only", storage.RunFilter{FailedOnly: true}, []string{"r2"}},
		{"by suite", storage.RunFilter{Suite: "pty"}, []string{"r3", "r2"}},
		{"unknown suite", storage.RunFilter{Suite: "desktop"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			got := runIDs(runs)
			if len(got) != len(tt.want) {
				t.Fatalf("ListRuns() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ListRuns() = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}

	runs, err := s.ListRuns(ctx, storage.RunFilter{Trigger: "schedule"})
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns() = %v, %v", runs, err)
	}
	if r := runs[0]; r.Status != suite.StatusFailed || r.SuitesPassed != 1 || r.SuitesFailed != 1 {
		t.Errorf("summary = %+v", r)
	}
}

func TestSuiteHistory(t *testing.T) {
	s := openStore(t)
	seed(t, s)

	recs, err := s.SuiteHistory(context.Background(), "pty", 0)
	if err != nil {
		t.Fatalf("SuiteHistory() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].RunID != "r3" || recs[0].Status != suite.StatusPassed {
		t.Errorf("latest = %+v", recs[0])
	}
	if recs[1].RunID != "r2" || recs[1].Status != suite.StatusFailed || recs[1].Failed != 1 {
		t.Errorf("older = %+v", recs[1])
	}
}

func TestListRuns_AbortedCountsAsFailed(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seed(t, s)

	aborted := suite.SuiteResult{
		Name:   "commands",
		Status: suite.StatusAborted,
		Cases:  []suite.CaseResult{{Name: "run", Status: suite.StatusAborted, Message: "run aborted"}},
	}
	if err := s.SaveRun(ctx, report("r4", "api", time.Now(), passedSuite("pty"), aborted)); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	runs, err := s.ListRuns(ctx, storage.RunFilter{FailedOnly: true})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if ids := runIDs(runs); len(ids) != 2 || ids[0] != "r4" || ids[1] != "r2" {
		t.Fatalf("failed runs = %v", ids)
	}
	if r := runs[0]; r.Status != suite.StatusAborted || r.SuitesFailed != 1 {
		t.Errorf("summary = %+v", r)
	}

	got, err := s.GetRun(ctx, "r4")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Passed() || got.Suites[1].Cases[0].Status != suite.StatusAborted {
		t.Errorf("reloaded run = %+v", got)
	}
}

// --- Prune ---

func TestPrune(t *testing.T) {
	s := openStore(t)
	base := seed(t, s)
	ctx := context.Background()

	n, err := s.Prune(ctx, base.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	runs, err := s.ListRuns(ctx, storage.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if ids := runIDs(runs); len(ids) != 1 || ids[0] != "r3" {
		t.Errorf("remaining runs = %v", ids)
	}
	if _, err := s.GetRun(ctx, "r2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRun(r2) = %v, want ErrNotFound", err)
	}

	if n, err := s.Prune(ctx, base); err != nil || n != 0 {
		t.Errorf("second Prune() = %d, %v", n, err)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q", s.Driver())
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(Config{}, discardLogger()); err == nil {
		t.Error("expected an error for an empty path")
	}
}
