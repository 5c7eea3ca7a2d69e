package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mfzzf/e2b-test-suite/internal/llm"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	model   string
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability. The model
// label is taken from the provider when it exposes Model().
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	p := &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
	if m, ok := inner.(interface{ Model() string }); ok {
		p.model = m.Model()
	}
	return p
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", p.model),
				attribute.Int("llm.tools", len(req.Tools)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, p.model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, p.model).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// --- Platform HTTP transport ---

// instrumentedTransport counts platform requests by method and status code.
type instrumentedTransport struct {
	inner   http.RoundTripper
	metrics *MetricsCollector
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.inner.RoundTrip(req)
	code := "error"
	if err == nil {
		code = statusCode(resp.StatusCode)
	}
	t.metrics.APIRequestsTotal.WithLabelValues(req.Method, code).Inc()
	t.metrics.APIRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	return resp, err
}

// HTTPClient returns a copy of base whose transport records platform request
// metrics and, when tracing is enabled, client spans. A nil base starts from
// http.DefaultTransport. Returns base unchanged when o is nil.
func (o *Observability) HTTPClient(base *http.Client) *http.Client {
	if o == nil || (o.Metrics == nil && o.Tracer == nil) {
		return base
	}
	hc := &http.Client{}
	if base != nil {
		*hc = *base
	}
	rt := hc.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if o.Metrics != nil {
		rt = &instrumentedTransport{inner: rt, metrics: o.Metrics}
	}
	if o.Tracer != nil {
		rt = otelhttp.NewTransport(rt, otelhttp.WithTracerProvider(o.Tracer.Provider()))
	}
	hc.Transport = rt
	return hc
}

// --- Suite hooks ---

// SuiteHooks reports suite results to the metrics collector and the
// failure-rate watcher. Returns a zero Hooks when o is nil.
func (o *Observability) SuiteHooks() suite.Hooks {
	if o == nil || (o.Metrics == nil && o.FailureRate == nil) {
		return suite.Hooks{}
	}
	m, fr := o.Metrics, o.FailureRate
	return suite.Hooks{
		OnStart: func(context.Context, *suite.Report) {
			if m != nil {
				m.RunsInProgress.Inc()
			}
		},
		OnCase: func(_ context.Context, name string, res suite.CaseResult) {
			if m != nil {
				m.CaseResultsTotal.WithLabelValues(name, res.Name, string(res.Status)).Inc()
				m.CaseDuration.WithLabelValues(name).Observe(res.Duration.Seconds())
			}
			switch res.Status {
			case suite.StatusPassed:
				fr.RecordPass(name)
			case suite.StatusFailed:
				fr.RecordFailure(name)
			}
		},
		OnSuite: func(_ context.Context, res suite.SuiteResult) {
			if m == nil {
				return
			}
			m.SuiteResultsTotal.WithLabelValues(res.Name, string(res.Status)).Inc()
			m.SuiteDuration.WithLabelValues(res.Name).Observe(res.Duration.Seconds())
		},
		OnRun: func(_ context.Context, rep *suite.Report) {
			if m == nil {
				return
			}
			status := string(rep.Status())
			passed := 1.0
			if !rep.Passed() {
				passed = 0
			}
			m.RunsInProgress.Dec()
			m.RunsTotal.WithLabelValues(rep.Trigger, status).Inc()
			m.LastRunPassed.Set(passed)
		},
	}
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider      = (*InstrumentedProvider)(nil)
	_ http.RoundTripper = (*instrumentedTransport)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
