package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/mfzzf/e2b-test-suite/internal/storage"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// RunRepository implements run history persistence on any GORM dialect.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// SaveRun persists a run with its suites and cases in one transaction.
func (r *RunRepository) SaveRun(ctx context.Context, rep *suite.Report) error {
	if rep.RunID == "" {
		return fmt.Errorf("saving run: empty run id")
	}
	model := toRunModel(rep)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&RunModel{}).Where("id = ?", rep.RunID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return storage.ErrDuplicateRun
		}
		return tx.Create(&model).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrDuplicateRun), isUniqueViolation(err):
		return fmt.Errorf("saving run %s: %w", rep.RunID, storage.ErrDuplicateRun)
	default:
		return fmt.Errorf("saving run %s: %w", rep.RunID, err)
	}
}

// GetRun loads a run with suites and cases in execution order.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*suite.Report, error) {
	var model RunModel
	err := r.db.WithContext(ctx).
		Preload("Suites", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		Preload("Suites.Cases", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		First(&model, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("getting run %s: %w", runID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return toReport(&model), nil
}

// ListRuns returns run summaries, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, f storage.RunFilter) ([]storage.RunSummary, error) {
	q := r.db.WithContext(ctx).Model(&RunModel{})
	if f.Trigger != "" {
		q = q.Where("triggered_by = ?", f.Trigger)
	}
	if f.FailedOnly {
		q = q.Where("status IN ?", []string{string(suite.StatusFailed), string(suite.StatusAborted)})
	}
	if f.Suite != "" {
		q = q.Where("id IN (?)", r.db.Model(&SuiteResultModel{}).Select("run_id").Where("name = ?", f.Suite))
	}

	var models []RunModel
	if err := q.Order("started_at DESC").Limit(f.EffectiveLimit()).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]storage.RunSummary, len(models))
	for i, m := range models {
		runs[i] = storage.RunSummary{
			RunID:        m.ID,
			Trigger:      m.TriggeredBy,
			Status:       suite.Status(m.Status),
			StartedAt:    m.StartedAt.UTC(),
			Duration:     time.Duration(m.DurationMS) * time.Millisecond,
			SuitesPassed: m.SuitesPassed,
			SuitesFailed: m.SuitesFailed,
		}
	}
	return runs, nil
}

type suiteRow struct {
	RunID      string
	Status     string
	DurationMS int64
	Passed     int
	Failed     int
	Skipped    int
	StartedAt  time.Time
}

// SuiteHistory returns the latest results of one suite, newest first.
func (r *RunRepository) SuiteHistory(ctx context.Context, name string, limit int) ([]storage.SuiteRecord, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	var rows []suiteRow
	err := r.db.WithContext(ctx).
		Table("suite_results").
		Select("suite_results.run_id, suite_results.status, suite_results.duration_ms, " +
			"suite_results.passed, suite_results.failed, suite_results.skipped, runs.started_at").
		Joins("JOIN runs ON runs.id = suite_results.run_id").
		Where("suite_results.name = ?", name).
		Order("runs.started_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("suite history %s: %w", name, err)
	}
	records := make([]storage.SuiteRecord, len(rows))
	for i, row := range rows {
		records[i] = storage.SuiteRecord{
			RunID:     row.RunID,
			StartedAt: row.StartedAt.UTC(),
			Status:    suite.Status(row.Status),
			Duration:  time.Duration(row.DurationMS) * time.Millisecond,
			Passed:    row.Passed,
			Failed:    row.Failed,
			Skipped:   row.Skipped,
		}
	}
	return records, nil
}

// Prune deletes runs started before cutoff together with their results.
func (r *RunRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&RunModel{}).Where("started_at < ?", cutoff.UTC()).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		suites := tx.Model(&SuiteResultModel{}).Select("id").Where("run_id IN ?", ids)
		if err := tx.Where("suite_result_id IN (?)", suites).Delete(&CaseResultModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id IN ?", ids).Delete(&SuiteResultModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&RunModel{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return deleted, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
