// Package storage defines the RunStore interface for suite run history.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrDuplicateRun is returned when a run id is saved twice.
	ErrDuplicateRun = errors.New("run already saved")
)

// RunStore persists suite run reports.
// Both SQLite and PostgreSQL backends implement this interface.
type RunStore interface {
	// SaveRun persists a finished run with its suites and cases.
	SaveRun(ctx context.Context, rep *suite.Report) error
	// GetRun returns the full report of a run.
	GetRun(ctx context.Context, runID string) (*suite.Report, error)
	// ListRuns returns run summaries, newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]RunSummary, error)
	// SuiteHistory returns the latest results of one suite, newest first.
	SuiteHistory(ctx context.Context, name string, limit int) ([]SuiteRecord, error)
	// Prune deletes runs started before cutoff and returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Limit      int    // Default: DefaultListLimit.
	Trigger    string // cli, schedule or api.
	Suite      string // Only runs that included this suite.
	FailedOnly bool   // Failed and aborted runs.
}

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 20

// EffectiveLimit returns the limit with the default applied.
func (f RunFilter) EffectiveLimit() int {
	if f.Limit > 0 {
		return f.Limit
	}
	return DefaultListLimit
}

// RunSummary is one row of the run history.
type RunSummary struct {
	RunID        string        `json:"run_id"`
	Trigger      string        `json:"trigger"`
	Status       suite.Status  `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	SuitesPassed int           `json:"suites_passed"`
	SuitesFailed int           `json:"suites_failed"`
}

// SuiteRecord is the outcome of one suite in one run.
type SuiteRecord struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Status    suite.Status  `json:"status"`
	Duration  time.Duration `json:"duration"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
