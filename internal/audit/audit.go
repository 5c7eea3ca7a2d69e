// Package audit appends a JSONL record for every state-changing API call
// (run triggers and cancellations).
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Results recorded on events.
const (
	ResultSuccess     = "success"
	ResultDenied      = "denied"
	ResultRateLimited = "rate_limited"
	ResultConflict    = "conflict"
	ResultFailure     = "failure"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Caller    string    `json:"caller"`
	Action    string    `json:"action"` // run.trigger, run.cancel
	RunID     string    `json:"run_id,omitempty"`
	Suites    []string  `json:"suites,omitempty"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
}

// Logger writes events as append-only JSONL. Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	w      io.WriteCloser
	logger *slog.Logger
}

// Open opens (or creates) the audit file in append mode with 0600
// permissions.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return New(f, logger), nil
}

// New writes events to w.
func New(w io.WriteCloser, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logger{w: w, logger: logger}
}

// Record appends the event. A zero Timestamp is set to now.
func (l *Logger) Record(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.w.Write(data)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	l.logger.DebugContext(ctx, "audit event recorded",
		slog.String("action", ev.Action),
		slog.String("caller", ev.Caller),
		slog.String("result", ev.Result),
	)
	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
