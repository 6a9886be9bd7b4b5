package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/corvid-net/sentinel/internal/clock"
)

func TestBreakerInitialState(t *testing.T) {
	b := New("test", DefaultConfig(), clock.NewManual(time.Now()))

	if b.State() != StateClosed {
		t.Errorf("expected initial state Closed, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("expected Allow() to return true in Closed state")
	}
}

func TestBreakerTransitionToOpenOnThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	b := New("test", cfg, clock.NewManual(time.Now()))

	for i := 0; i < 3; i++ {
		b.RecordFailure(errors.New("transient error"), CategoryTransient)
	}

	if b.State() != StateOpen {
		t.Errorf("expected Open after %d failures, got %s", cfg.FailureThreshold, b.State())
	}
	if b.Allow() {
		t.Error("expected Allow() to return false in Open state")
	}
}

func TestBreakerRecordSuccessResetsFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	b := New("test", cfg, clock.NewManual(time.Now()))

	b.RecordFailure(errors.New("e1"), CategoryTransient)
	b.RecordFailure(errors.New("e2"), CategoryTransient)
	b.RecordSuccess()

	b.RecordFailure(errors.New("e1"), CategoryTransient)
	b.RecordFailure(errors.New("e2"), CategoryTransient)

	if b.State() != StateClosed {
		t.Error("expected state to remain Closed after success reset the failure count")
	}
}

func TestBreakerHalfOpenAfterBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	mc := clock.NewManual(time.Now())
	b := New("test", cfg, mc)

	b.RecordFailure(errors.New("e1"), CategoryTransient)
	b.RecordFailure(errors.New("e2"), CategoryTransient)
	if b.State() != StateOpen {
		t.Fatalf("expected Open, got %s", b.State())
	}

	mc.Advance(15 * time.Millisecond)

	if !b.Allow() {
		t.Error("expected Allow() to return true once the backoff window elapsed")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected HalfOpen, got %s", b.State())
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.SuccessThreshold = 1
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	mc := clock.NewManual(time.Now())
	b := New("test", cfg, mc)

	b.RecordFailure(errors.New("e1"), CategoryTransient)
	b.RecordFailure(errors.New("e2"), CategoryTransient)
	mc.Advance(15 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Errorf("expected Closed after success in HalfOpen, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopensAndBacksOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	mc := clock.NewManual(time.Now())
	b := New("test", cfg, mc)

	b.RecordFailure(errors.New("e1"), CategoryTransient)
	b.RecordFailure(errors.New("e2"), CategoryTransient)
	mc.Advance(15 * time.Millisecond)
	b.Allow()

	b.RecordFailure(errors.New("e3"), CategoryTransient)

	if b.State() != StateOpen {
		t.Errorf("expected Open after failing in HalfOpen, got %s", b.State())
	}
	if b.currentBackoff <= cfg.InitialBackoff {
		t.Error("expected backoff to increase after a HalfOpen failure")
	}
}

func TestBreakerPermanentNeverTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	b := New("test", cfg, clock.NewManual(time.Now()))

	b.RecordFailure(errors.New("bad request"), CategoryPermanent)

	if b.State() != StateClosed {
		t.Errorf("expected a permanent failure to leave the breaker Closed, got %s", b.State())
	}
}

func TestBreakerRateLimitTripsImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 10
	b := New("test", cfg, clock.NewManual(time.Now()))

	b.RecordFailure(errors.New("420 error budget exhausted"), CategoryRateLimit)

	if b.State() != StateOpen {
		t.Errorf("expected a single rate-limit failure to trip the breaker, got %s", b.State())
	}
}

func TestBreakerStickyStaysOpenPastBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	mc := clock.NewManual(time.Now())
	b := New("test", cfg, mc)

	b.RecordFailure(errors.New("auth ban"), CategorySticky)
	mc.Advance(15 * time.Millisecond)

	if b.Allow() {
		t.Error("expected a sticky breaker to stay closed to traffic past its backoff window")
	}
	if !b.Status().Sticky {
		t.Error("expected Status().Sticky to report true")
	}
}

func TestBreakerResetClearsSticky(t *testing.T) {
	b := New("test", DefaultConfig(), clock.NewManual(time.Now()))
	b.RecordFailure(errors.New("auth ban"), CategorySticky)

	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("expected Reset to close the breaker, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("expected Allow() to return true after Reset")
	}
	if b.Status().Sticky {
		t.Error("expected Reset to clear the sticky flag")
	}
}

func TestBreakerStatusReportsLastError(t *testing.T) {
	b := New("test", DefaultConfig(), clock.NewManual(time.Now()))
	b.RecordFailure(errors.New("boom"), CategoryTransient)

	status := b.Status()
	if status.LastError != "boom" {
		t.Errorf("expected last error %q, got %q", "boom", status.LastError)
	}
	if status.FirstErrorAt.IsZero() {
		t.Error("expected FirstErrorAt to be recorded")
	}
}
