package observability

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/config"
)

const (
	defaultFailureWindow     = time.Hour
	defaultFailureMinSamples = 5
)

// FailureRateWatcher tracks case failures per suite over a sliding window
// and warns when the failure rate crosses the configured threshold.
// Skipped cases are not counted.
type FailureRateWatcher struct {
	mu         sync.Mutex
	failures   map[string]*slidingWindow
	passes     map[string]*slidingWindow
	threshold  float64
	minSamples int
	window     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// SuiteRate is the failure rate of one suite inside the window.
type SuiteRate struct {
	Suite    string  `json:"suite"`
	Failures int     `json:"failures"`
	Total    int     `json:"total"`
	Rate     float64 `json:"rate"`
	Alerting bool    `json:"alerting"`
}

// NewFailureRateWatcher creates a watcher from config.
func NewFailureRateWatcher(cfg *config.FailureRateConfig, logger *slog.Logger) *FailureRateWatcher {
	w := &FailureRateWatcher{
		failures:   make(map[string]*slidingWindow),
		passes:     make(map[string]*slidingWindow),
		threshold:  cfg.Threshold,
		minSamples: cfg.MinSamples,
		window:     time.Duration(cfg.WindowSeconds) * time.Second,
		logger:     logger,
		now:        time.Now,
	}
	if w.minSamples <= 0 {
		w.minSamples = defaultFailureMinSamples
	}
	if w.window <= 0 {
		w.window = defaultFailureWindow
	}
	return w
}

// RecordFailure records a failed case of suite.
func (f *FailureRateWatcher) RecordFailure(suite string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getOrCreateWindow(f.failures, suite).add(f.now(), 1)
	if r := f.rateLocked(suite); r.Alerting && f.logger != nil {
		f.logger.Warn("suite failure rate above threshold",
			slog.String("suite", suite),
			slog.Float64("failure_rate", r.Rate),
			slog.Float64("threshold", f.threshold),
			slog.Int("failures", r.Failures),
			slog.Int("total", r.Total),
		)
	}
}

// RecordPass records a passed case of suite.
func (f *FailureRateWatcher) RecordPass(suite string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOrCreateWindow(f.passes, suite).add(f.now(), 1)
}

// Rates returns the current rate of every suite seen inside the window,
// sorted by suite name.
func (f *FailureRateWatcher) Rates() []SuiteRate {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]bool)
	for s := range f.failures {
		seen[s] = true
	}
	for s := range f.passes {
		seen[s] = true
	}
	rates := make([]SuiteRate, 0, len(seen))
	for s := range seen {
		if r := f.rateLocked(s); r.Total > 0 {
			rates = append(rates, r)
		}
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Suite < rates[j].Suite })
	return rates
}

// Must be called with f.mu held.
func (f *FailureRateWatcher) rateLocked(suite string) SuiteRate {
	now := f.now()
	failures := int(f.getOrCreateWindow(f.failures, suite).sum(now))
	total := failures + int(f.getOrCreateWindow(f.passes, suite).sum(now))
	r := SuiteRate{Suite: suite, Failures: failures, Total: total}
	if total > 0 {
		r.Rate = float64(failures) / float64(total)
	}
	r.Alerting = f.threshold > 0 && total >= f.minSamples && r.Rate > f.threshold
	return r
}

func (f *FailureRateWatcher) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: f.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
