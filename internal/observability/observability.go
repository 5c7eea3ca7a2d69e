// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks and failure-rate watching for suite runs.
// All components are optional and nil-safe: when disabled, recording is
// skipped with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mfzzf/e2b-test-suite/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics     *MetricsCollector
	Tracer      *TracerSetup
	FailureRate *FailureRateWatcher
	Health      *HealthChecker
}

// New creates an Observability instance from config. resourceAttrs are
// attached to exported spans.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger, resourceAttrs ...attribute.KeyValue) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, resourceAttrs...)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.FailureRate != nil && cfg.FailureRate.Enabled {
		obs.FailureRate = NewFailureRateWatcher(cfg.FailureRate, logger)
	}

	// Checks are added by the serve command.
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the OTel tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// FailureRateOrNil returns the watcher or nil if it is disabled.
func (o *Observability) FailureRateOrNil() *FailureRateWatcher {
	if o == nil {
		return nil
	}
	return o.FailureRate
}
