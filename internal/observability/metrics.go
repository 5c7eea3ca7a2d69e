package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "e2b_suite"

// MetricsCollector holds all Prometheus metrics of the suite runner.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Run metrics.
	RunsTotal      *prometheus.CounterVec
	RunsInProgress prometheus.Gauge
	LastRunPassed  prometheus.Gauge

	// Suite and case metrics.
	SuiteResultsTotal *prometheus.CounterVec
	SuiteDuration     *prometheus.HistogramVec
	CaseResultsTotal  *prometheus.CounterVec
	CaseDuration      *prometheus.HistogramVec

	// Platform API metrics.
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Template build metrics.
	TemplateBuildsTotal   *prometheus.CounterVec
	TemplateBuildDuration prometheus.Histogram

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Status API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Total suite runs.",
		}, []string{"trigger", "status"}),

		RunsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "in_progress",
			Help:      "Number of runs currently executing.",
		}),

		LastRunPassed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_passed",
			Help:      "1 if the most recent run passed, 0 otherwise.",
		}),

		SuiteResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "suite",
			Name:      "results_total",
			Help:      "Suite outcomes.",
		}, []string{"suite", "status"}),

		SuiteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "suite",
			Name:      "duration_seconds",
			Help:      "Suite duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"suite"}),

		CaseResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "case",
			Name:      "results_total",
			Help:      "Case outcomes.",
		}, []string{"suite", "case", "status"}),

		CaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "case",
			Name:      "duration_seconds",
			Help:      "Case duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"suite"}),

		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Requests sent to the sandbox platform.",
		}, []string{"method", "status_code"}),

		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Platform request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),

		TemplateBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "template",
			Name:      "builds_total",
			Help:      "Template builds by final status.",
		}, []string{"status"}),

		TemplateBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "template",
			Name:      "build_duration_seconds",
			Help:      "Template build duration in seconds.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status API requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of status API requests in flight.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunsInProgress,
		m.LastRunPassed,
		m.SuiteResultsTotal,
		m.SuiteDuration,
		m.CaseResultsTotal,
		m.CaseDuration,
		m.APIRequestsTotal,
		m.APIRequestDuration,
		m.TemplateBuildsTotal,
		m.TemplateBuildDuration,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveBuild records a finished template build.
func (m *MetricsCollector) ObserveBuild(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TemplateBuildsTotal.WithLabelValues(status).Inc()
	m.TemplateBuildDuration.Observe(d.Seconds())
}
