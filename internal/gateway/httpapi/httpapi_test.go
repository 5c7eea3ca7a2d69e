package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/audit"
	"github.com/mfzzf/e2b-test-suite/internal/observability"
	"github.com/mfzzf/e2b-test-suite/internal/orchestrator"
	"github.com/mfzzf/e2b-test-suite/internal/ratelimit"
	"github.com/mfzzf/e2b-test-suite/internal/storage"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// --- Fakes ---

type fakeEngine struct {
	mu        sync.Mutex
	active    *orchestrator.ActiveRun
	submitted []orchestrator.RunRequest
	err       error
	cancelled bool
}

func (f *fakeEngine) Submit(_ context.Context, req orchestrator.RunRequest) (*orchestrator.ActiveRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = append(f.submitted, req)
	return &orchestrator.ActiveRun{RunID: "run-new", Trigger: req.Trigger, Suites: req.Suites}, nil
}

func (f *fakeEngine) Active() (orchestrator.ActiveRun, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return orchestrator.ActiveRun{}, false
	}
	return *f.active, true
}

func (f *fakeEngine) requests() []orchestrator.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.RunRequest(nil), f.submitted...)
}

func (f *fakeEngine) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return false
	}
	f.cancelled = true
	return true
}

type fakeStore struct {
	mu      sync.Mutex
	runs    map[string]*suite.Report
	filters []storage.RunFilter
}

func (f *fakeStore) lastFilter() storage.RunFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[len(f.filters)-1]
}

func (f *fakeStore) SaveRun(context.Context, *suite.Report) error { return nil }

func (f *fakeStore) GetRun(_ context.Context, id string) (*suite.Report, error) {
	rep, ok := f.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rep, nil
}

func (f *fakeStore) ListRuns(_ context.Context, filter storage.RunFilter) ([]storage.RunSummary, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	return []storage.RunSummary{{RunID: "run-1", Trigger: "cli", Status: suite.StatusPassed}}, nil
}

func (f *fakeStore) SuiteHistory(_ context.Context, name string, _ int) ([]storage.SuiteRecord, error) {
	return []storage.SuiteRecord{{RunID: "run-1", Status: suite.StatusPassed}}, nil
}

func (f *fakeStore) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeStore) Ping(context.Context) error                      { return nil }
func (f *fakeStore) Close() error                                    { return nil }
func (f *fakeStore) Driver() string                                  { return "memory" }

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Record(_ context.Context, ev audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAuditor) snapshot() []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Event(nil), a.events...)
}

type fixedSchedule struct{}

func (fixedSchedule) Expression() string { return "0 * * * *" }
func (fixedSchedule) Next(time.Time) time.Time {
	return time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
}

// --- Harness ---

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

type harness struct {
	base   string
	engine *fakeEngine
	store  *fakeStore
}

func startGateway(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := suite.NewRegistry()
	reg.MustRegister(
		&suite.Suite{Name: "sandbox_basic", Tags: []string{suite.TagDefault}, Cases: []suite.Case{{Name: "create"}}},
		&suite.Suite{Name: "desktop", Description: "desktop sandbox"},
	)
	h := &harness{
		engine: &fakeEngine{},
		store: &fakeStore{runs: map[string]*suite.Report{
			"run-1": {RunID: "run-1", Trigger: "cli"},
		}},
	}

	cfg.ListenAddr = freeAddr(t)
	g := NewGateway(cfg, h.engine, h.store, reg, logger).WithSchedule(fixedSchedule{})
	go func() { _ = g.Start(context.Background()) }()
	t.Cleanup(func() { _ = g.Stop() })

	h.base = "http://" + cfg.ListenAddr
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(h.base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return h
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (h *harness) do(t *testing.T, method, path, token, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.base+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

// --- Health ---

func TestReadiness(t *testing.T) {
	hc := observability.NewHealthChecker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	hc.AddCheck("store", func(context.Context) error { return fmt.Errorf("database locked") })
	h := startGateway(t, Config{HealthChecker: hc})

	code, body := h.do(t, http.MethodGet, "/readyz", "", "")
	if code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", code)
	}
	status := decode[observability.HealthStatus](t, body)
	if status.Checks["store"].Status != "fail" {
		t.Errorf("checks = %+v", status.Checks)
	}
}

// --- Read endpoints ---

func TestReadEndpoints_OpenWithoutKeys(t *testing.T) {
	h := startGateway(t, Config{})

	code, body := h.do(t, http.MethodGet, "/v1/suites", "", "")
	if code != http.StatusOK {
		t.Fatalf("suites = %d %s", code, body)
	}
	suites := decode[[]SuiteResponse](t, body)
	if len(suites) != 2 || !suites[0].Default || suites[0].Cases != 1 || suites[1].Default {
		t.Errorf("suites = %+v", suites)
	}

	code, body = h.do(t, http.MethodGet, "/v1/runs?limit=5&trigger=schedule&suite=pty&failed=true", "", "")
	if code != http.StatusOK {
		t.Fatalf("runs = %d %s", code, body)
	}
	f := h.store.lastFilter()
	if f.Limit != 5 || f.Trigger != "schedule" || f.Suite != "pty" || !f.FailedOnly {
		t.Errorf("filter = %+v", f)
	}

	if code, _ := h.do(t, http.MethodGet, "/v1/runs?limit=-1", "", ""); code != http.StatusBadRequest {
		t.Errorf("negative limit = %d, want 400", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/runs?failed=maybe", "", ""); code != http.StatusBadRequest {
		t.Errorf("bad failed flag = %d, want 400", code)
	}

	code, body = h.do(t, http.MethodGet, "/v1/runs/run-1", "", "")
	if code != http.StatusOK || decode[suite.Report](t, body).RunID != "run-1" {
		t.Errorf("run = %d %s", code, body)
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/runs/missing", "", ""); code != http.StatusNotFound {
		t.Errorf("missing run = %d, want 404", code)
	}

	if code, _ := h.do(t, http.MethodGet, "/v1/runs/active", "", ""); code != http.StatusNotFound {
		t.Errorf("no active run = %d, want 404", code)
	}

	if code, _ := h.do(t, http.MethodGet, "/v1/suites/sandbox_basic/history", "", ""); code != http.StatusOK {
		t.Errorf("history = %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/suites/nope/history", "", ""); code != http.StatusNotFound {
		t.Errorf("unknown suite history = %d, want 404", code)
	}

	code, body = h.do(t, http.MethodGet, "/v1/failure-rates", "", "")
	if code != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("failure rates = %d %s", code, body)
	}

	code, body = h.do(t, http.MethodGet, "/v1/schedule", "", "")
	if code != http.StatusOK || decode[ScheduleResponse](t, body).Cron != "0 * * * *" {
		t.Errorf("schedule = %d %s", code, body)
	}
}

func TestTriggerDisabledWithoutKeys(t *testing.T) {
	h := startGateway(t, Config{})
	if code, _ := h.do(t, http.MethodPost, "/v1/runs", "", ""); code == http.StatusAccepted {
		t.Error("POST /v1/runs must not be served without API keys")
	}
	if len(h.engine.requests()) != 0 {
		t.Error("no run should have been submitted")
	}
}

// --- Authenticated endpoints ---

func TestAuthentication(t *testing.T) {
	h := startGateway(t, Config{APIKeys: map[string]string{"secret": "ci"}})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := h.do(t, http.MethodGet, "/v1/suites", tt.token, ""); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}

	// Health stays unauthenticated.
	if code, _ := h.do(t, http.MethodGet, "/healthz", "", ""); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
}

func TestTriggerRun(t *testing.T) {
	h := startGateway(t, Config{APIKeys: map[string]string{"secret": "ci"}})

	code, body := h.do(t, http.MethodPost, "/v1/runs", "secret", `{"suites":["desktop"]}`)
	if code != http.StatusAccepted {
		t.Fatalf("trigger = %d %s", code, body)
	}
	run := decode[orchestrator.ActiveRun](t, body)
	if run.RunID != "run-new" || run.Trigger != orchestrator.TriggerAPI {
		t.Errorf("run = %+v", run)
	}
	req := h.engine.requests()[0]
	if len(req.Suites) != 1 || req.Suites[0] != "desktop" || req.All {
		t.Errorf("request = %+v", req)
	}

	// Empty body runs the defaults.
	if code, _ := h.do(t, http.MethodPost, "/v1/runs", "secret", ""); code != http.StatusAccepted {
		t.Errorf("empty body trigger = %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/v1/runs", "secret", `{"suites":`); code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", code)
	}
}

func TestTriggerRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", fmt.Errorf("%w: run-1", orchestrator.ErrBusy), http.StatusConflict},
		{"unknown suite", fmt.Errorf("%w: nope", suite.ErrUnknownSuite), http.StatusBadRequest},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startGateway(t, Config{APIKeys: map[string]string{"secret": "ci"}})
			h.engine.mu.Lock()
			h.engine.err = tt.err
			h.engine.mu.Unlock()
			if code, _ := h.do(t, http.MethodPost, "/v1/runs", "secret", ""); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestTriggerRun_RateLimited(t *testing.T) {
	h := startGateway(t, Config{
		APIKeys: map[string]string{"secret": "ci", "other": "oncall"},
		Limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1}),
	})

	if code, body := h.do(t, http.MethodPost, "/v1/runs", "secret", ""); code != http.StatusAccepted {
		t.Fatalf("first trigger = %d %s", code, body)
	}
	code, body := h.do(t, http.MethodPost, "/v1/runs", "secret", "")
	if code != http.StatusTooManyRequests {
		t.Fatalf("second trigger = %d %s, want 429", code, body)
	}
	if got := decode[map[string]any](t, body); got["retry_after"] == nil {
		t.Errorf("body = %s, want retry_after", body)
	}
	if n := len(h.engine.requests()); n != 1 {
		t.Errorf("engine saw %d requests, want 1", n)
	}
	if code, _ := h.do(t, http.MethodPost, "/v1/runs", "other", ""); code != http.StatusAccepted {
		t.Errorf("other caller trigger = %d", code)
	}
}

func TestActiveAndCancel(t *testing.T) {
	h := startGateway(t, Config{APIKeys: map[string]string{"secret": "ci"}})

	if code, _ := h.do(t, http.MethodPost, "/v1/runs/active/cancel", "secret", ""); code != http.StatusNotFound {
		t.Errorf("cancel without run = %d, want 404", code)
	}

	h.engine.mu.Lock()
	h.engine.active = &orchestrator.ActiveRun{RunID: "run-9", Trigger: "schedule"}
	h.engine.mu.Unlock()

	code, body := h.do(t, http.MethodGet, "/v1/runs/active", "secret", "")
	if code != http.StatusOK || decode[orchestrator.ActiveRun](t, body).RunID != "run-9" {
		t.Errorf("active = %d %s", code, body)
	}
	if code, _ := h.do(t, http.MethodPost, "/v1/runs/active/cancel", "secret", ""); code != http.StatusOK {
		t.Errorf("cancel = %d", code)
	}
	h.engine.mu.Lock()
	cancelled := h.engine.cancelled
	h.engine.mu.Unlock()
	if !cancelled {
		t.Error("engine was not cancelled")
	}
}

func TestAuditTrail(t *testing.T) {
	auditor := &recordingAuditor{}
	h := startGateway(t, Config{
		APIKeys: map[string]string{"secret": "ci"},
		Limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1}),
		Audit:   auditor,
	})

	h.do(t, http.MethodPost, "/v1/runs", "secret", `{"suites":["pty"]}`)
	h.do(t, http.MethodPost, "/v1/runs", "secret", "")
	h.do(t, http.MethodPost, "/v1/runs/active/cancel", "secret", "")

	events := auditor.snapshot()
	want := []struct{ action, result string }{
		{"run.trigger", audit.ResultSuccess},
		{"run.trigger", audit.ResultRateLimited},
		{"run.cancel", audit.ResultConflict},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, w := range want {
		if events[i].Action != w.action || events[i].Result != w.result || events[i].Caller != "ci" {
			t.Errorf("event[%d] = %+v, want %s/%s", i, events[i], w.action, w.result)
		}
	}
	if events[0].RunID != "run-new" || len(events[0].Suites) != 1 || events[0].Suites[0] != "pty" {
		t.Errorf("trigger event = %+v", events[0])
	}
}
