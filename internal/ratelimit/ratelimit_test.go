package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("ci"); err != nil {
			t.Fatalf("Allow() #%d = %v", i, err)
		}
	}
	if d := l.RetryAfter("ci"); d != 0 {
		t.Errorf("RetryAfter() = %v", d)
	}
}

func TestAllow_NilLimiter(t *testing.T) {
	var l *Limiter
	if err := l.Allow("ci"); err != nil {
		t.Errorf("nil Allow() = %v", err)
	}
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 6, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if err := l.Allow("ci"); err != nil {
			t.Fatalf("Allow() #%d = %v", i, err)
		}
	}
	if err := l.Allow("ci"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third Allow() = %v, want ErrRateLimited", err)
	}
	if d := l.RetryAfter("ci"); d != 10*time.Second {
		t.Errorf("RetryAfter() = %v, want 10s", d)
	}

	clock.advance(10 * time.Second)
	if err := l.Allow("ci"); err != nil {
		t.Errorf("Allow() after refill = %v", err)
	}
}

func TestAllow_CallersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})

	if err := l.Allow("ci"); err != nil {
		t.Fatalf("Allow(ci) = %v", err)
	}
	if err := l.Allow("ci"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Allow(ci) = %v", err)
	}
	if err := l.Allow("oncall"); err != nil {
		t.Errorf("Allow(oncall) = %v", err)
	}
}

func TestRefill_CappedAtBurst(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	if err := l.Allow("ci"); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("ci") == nil {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d after a long idle, want burst 3", allowed)
	}
}
