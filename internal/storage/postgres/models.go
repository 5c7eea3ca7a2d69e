package postgres

import (
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// RunModel maps to the "runs" table. One row per runner invocation.
type RunModel struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	TriggeredBy  string    `gorm:"not null;index"`
	Status       string    `gorm:"not null;index"`
	StartedAt    time.Time `gorm:"not null;index"`
	DurationMS   int64     `gorm:"not null;default:0"`
	SuitesPassed int       `gorm:"not null;default:0"`
	SuitesFailed int       `gorm:"not null;default:0"`
	CreatedAt    time.Time

	Suites []SuiteResultModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (RunModel) TableName() string { return "runs" }

// SuiteResultModel maps to the "suite_results" table.
type SuiteResultModel struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"type:varchar(36);not null;index"`
	Seq        int    `gorm:"not null"`
	Name       string `gorm:"not null;index"`
	Status     string `gorm:"not null"`
	DurationMS int64  `gorm:"not null;default:0"`
	Passed     int    `gorm:"not null;default:0"`
	Failed     int    `gorm:"not null;default:0"`
	Skipped    int    `gorm:"not null;default:0"`

	Cases []CaseResultModel `gorm:"foreignKey:SuiteResultID;constraint:OnDelete:CASCADE"`
}

func (SuiteResultModel) TableName() string { return "suite_results" }

// CaseResultModel maps to the "case_results" table.
type CaseResultModel struct {
	ID            uint   `gorm:"primaryKey"`
	SuiteResultID uint   `gorm:"not null;index"`
	Seq           int    `gorm:"not null"`
	Name          string `gorm:"not null"`
	Status        string `gorm:"not null"`
	Message       string `gorm:"type:text"`
	DurationMS    int64  `gorm:"not null;default:0"`
}

func (CaseResultModel) TableName() string { return "case_results" }

// Models lists every table in FK-dependency order for AutoMigrate.
func Models() []any {
	return []any{&RunModel{}, &SuiteResultModel{}, &CaseResultModel{}}
}

func toRunModel(rep *suite.Report) RunModel {
	passed, failed := rep.Totals()
	m := RunModel{
		ID:           rep.RunID,
		TriggeredBy:  rep.Trigger,
		Status:       string(rep.Status()),
		StartedAt:    rep.StartedAt.UTC(),
		DurationMS:   rep.Duration.Milliseconds(),
		SuitesPassed: passed,
		SuitesFailed: failed,
		Suites:       make([]SuiteResultModel, len(rep.Suites)),
	}
	for i, s := range rep.Suites {
		sm := SuiteResultModel{
			RunID:      rep.RunID,
			Seq:        i,
			Name:       s.Name,
			Status:     string(s.Status),
			DurationMS: s.Duration.Milliseconds(),
			Passed:     s.Passed,
			Failed:     s.Failed,
			Skipped:    s.Skipped,
			Cases:      make([]CaseResultModel, len(s.Cases)),
		}
		for j, c := range s.Cases {
			sm.Cases[j] = CaseResultModel{
				Seq:        j,
				Name:       c.Name,
				Status:     string(c.Status),
				Message:    c.Message,
				DurationMS: c.Duration.Milliseconds(),
			}
		}
		m.Suites[i] = sm
	}
	return m
}

func toReport(m *RunModel) *suite.Report {
	rep := &suite.Report{
		RunID:     m.ID,
		Trigger:   m.TriggeredBy,
		StartedAt: m.StartedAt.UTC(),
		Duration:  time.Duration(m.DurationMS) * time.Millisecond,
		Suites:    make([]suite.SuiteResult, len(m.Suites)),
	}
	for i, s := range m.Suites {
		sr := suite.SuiteResult{
			Name:     s.Name,
			Status:   suite.Status(s.Status),
			Duration: time.Duration(s.DurationMS) * time.Millisecond,
			Passed:   s.Passed,
			Failed:   s.Failed,
			Skipped:  s.Skipped,
			Cases:    make([]suite.CaseResult, len(s.Cases)),
		}
		for j, c := range s.Cases {
			sr.Cases[j] = suite.CaseResult{
				Name:     c.Name,
				Status:   suite.Status(c.Status),
				Message:  c.Message,
				Duration: time.Duration(c.DurationMS) * time.Millisecond,
			}
		}
		rep.Suites[i] = sr
	}
	return rep
}
