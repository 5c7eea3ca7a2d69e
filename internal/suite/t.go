package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// T is passed to a case. Fatal and Skip methods stop the case by exiting
// its goroutine, so they must be called from the goroutine running the
// case.
type T struct {
	name   string
	ctx    context.Context
	logger *slog.Logger
	logf   func(string)

	mu         sync.Mutex
	failed     bool
	skipped    bool
	skipReason string
	errs       []string
	cleanups   []func()
}

func newT(ctx context.Context, name string, logger *slog.Logger, logf func(string)) *T {
	return &T{name: name, ctx: ctx, logger: logger, logf: logf}
}

// Name returns the case name.
func (t *T) Name() string { return t.name }

// Context is cancelled when the case times out or the run is aborted.
func (t *T) Context() context.Context { return t.ctx }

// Logger returns a logger tagged with the case name.
func (t *T) Logger() *slog.Logger { return t.logger }

// Logf prints an indented progress line under the case.
func (t *T) Logf(format string, args ...any) {
	if t.logf != nil {
		t.logf(fmt.Sprintf(format, args...))
	}
}

// Errorf records a failure and continues.
func (t *T) Errorf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = true
	t.errs = append(t.errs, fmt.Sprintf(format, args...))
}

// Error records a failure and continues.
func (t *T) Error(args ...any) {
	t.Errorf("%s", fmt.Sprint(args...))
}

// Fatalf records a failure and stops the case.
func (t *T) Fatalf(format string, args ...any) {
	t.Errorf(format, args...)
	runtime.Goexit()
}

// Fatal records a failure and stops the case.
func (t *T) Fatal(args ...any) {
	t.Error(args...)
	runtime.Goexit()
}

// FailNow stops the case, marking it failed.
func (t *T) FailNow() {
	t.mu.Lock()
	t.failed = true
	t.mu.Unlock()
	runtime.Goexit()
}

// Skipf marks the case skipped and stops it.
func (t *T) Skipf(format string, args ...any) {
	t.mu.Lock()
	t.skipped = true
	t.skipReason = fmt.Sprintf(format, args...)
	t.mu.Unlock()
	runtime.Goexit()
}

// Skip marks the case skipped and stops it.
func (t *T) Skip(args ...any) {
	t.Skipf("%s", fmt.Sprint(args...))
}

// Failed reports whether the case has failed.
func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Skipped reports whether the case was skipped.
func (t *T) Skipped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}

// Cleanup registers fn to run after the case, last registered first.
func (t *T) Cleanup(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanups = append(t.cleanups, fn)
}

// Equal stops the case unless got and want are deeply equal.
func (t *T) Equal(got, want any, what string) {
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s = %#v, want %#v", what, got, want)
	}
}

// True stops the case unless cond holds.
func (t *T) True(cond bool, format string, args ...any) {
	if !cond {
		t.Fatalf(format, args...)
	}
}

// NoError stops the case when err is not nil.
func (t *T) NoError(err error, what string) {
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

// ErrorIs stops the case unless err matches target.
func (t *T) ErrorIs(err, target error, what string) {
	if !errors.Is(err, target) {
		t.Fatalf("%s: got error %v, want %v", what, err, target)
	}
}

// ErrorAs stops the case unless err matches target's type; target is set
// like errors.As.
func (t *T) ErrorAs(err error, target any, what string) {
	if !errors.As(err, target) {
		t.Fatalf("%s: got error %v, want %T", what, err, target)
	}
}

// runCleanups runs registered cleanups in LIFO order. A panicking cleanup
// is recorded as a failure.
func (t *T) runCleanups() {
	for {
		t.mu.Lock()
		n := len(t.cleanups)
		if n == 0 {
			t.mu.Unlock()
			return
		}
		fn := t.cleanups[n-1]
		t.cleanups = t.cleanups[:n-1]
		t.mu.Unlock()
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("cleanup panicked: %v", r)
				}
			}()
			fn()
		}()
	}
}

func (t *T) message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.skipped && !t.failed {
		return t.skipReason
	}
	return strings.Join(t.errs, "; ")
}
