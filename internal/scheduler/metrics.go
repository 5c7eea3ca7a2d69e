package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for scheduled runs.
type Metrics struct {
	RunsFired    prometheus.Counter
	RunsPassed   prometheus.Counter
	RunsFailed   prometheus.Counter
	RunsSkipped  prometheus.Counter
	FireDuration prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2b_suite",
			Subsystem: "scheduler",
			Name:      "runs_fired_total",
			Help:      "Total scheduler ticks that attempted a run.",
		}),
		RunsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2b_suite",
			Subsystem: "scheduler",
			Name:      "runs_passed_total",
			Help:      "Total scheduled runs in which every suite passed.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2b_suite",
			Subsystem: "scheduler",
			Name:      "runs_failed_total",
			Help:      "Total scheduled runs that failed or could not start.",
		}),
		RunsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2b_suite",
			Subsystem: "scheduler",
			Name:      "runs_skipped_total",
			Help:      "Total ticks skipped because another run was in progress.",
		}),
		FireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "e2b_suite",
			Subsystem: "scheduler",
			Name:      "fire_duration_seconds",
			Help:      "Duration of each scheduled run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}

	reg.MustRegister(
		m.RunsFired,
		m.RunsPassed,
		m.RunsFailed,
		m.RunsSkipped,
		m.FireDuration,
	)

	return m
}
