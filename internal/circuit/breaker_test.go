package circuit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*SourceBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
	b := NewSourceBreaker("binance", DefaultConfig())
	b.SetClock(clock.now)
	return b, clock
}

func TestBreakerTripsAfterConsecutiveErrors(t *testing.T) {
	b, _ := newTestBreaker()
	errBoom := errors.New("timeout")

	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	if !b.Allow() {
		t.Fatal("Expected source to be allowed below threshold")
	}

	b.RecordFailure(errBoom)
	if b.State() != StateOpen {
		t.Fatalf("Expected state %s, got %s", StateOpen, b.State())
	}
	if b.Allow() {
		t.Error("Expected open breaker to reject calls during cooldown")
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker()
	errBoom := errors.New("502")

	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	b.RecordSuccess()
	b.RecordFailure(errBoom)

	if b.State() != StateClosed {
		t.Errorf("Expected breaker to stay closed, got %s", b.State())
	}
	if got := b.Stats().ConsecutiveErrors; got != 1 {
		t.Errorf("Expected 1 consecutive error, got %d", got)
	}
}

func TestBreakerReenablesAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure(errors.New("down"))
	}

	clock.advance(4*time.Minute + 59*time.Second)
	if b.Allow() {
		t.Fatal("Expected breaker to remain open before 5 minutes")
	}

	clock.advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("Expected breaker to allow a trial call after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("Expected state %s, got %s", StateHalfOpen, b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("Expected state %s after trial success, got %s", StateClosed, b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()
	tripped := 0
	b.OnTrip(func(name, reason string) { tripped++ })

	for i := 0; i < 3; i++ {
		b.RecordFailure(errors.New("down"))
	}
	clock.advance(6 * time.Minute)
	b.Allow()
	b.RecordFailure(errors.New("still down"))

	if b.State() != StateOpen {
		t.Fatalf("Expected state %s, got %s", StateOpen, b.State())
	}
	if tripped != 2 {
		t.Errorf("Expected 2 trips, got %d", tripped)
	}
	if b.Allow() {
		t.Error("Expected a fresh cooldown after failed trial")
	}
}

func TestTripOpensImmediately(t *testing.T) {
	b, clock := newTestBreaker()
	var tripped string
	b.OnTrip(func(name, reason string) { tripped = name })

	b.Trip(errors.New("connection refused"))
	if b.State() != StateOpen || b.Allow() {
		t.Fatalf("Expected open breaker after Trip, got %s", b.State())
	}
	if tripped != "binance" {
		t.Errorf("Expected trip callback for binance, got %q", tripped)
	}

	clock.advance(DefaultConfig().Cooldown)
	if !b.Allow() {
		t.Error("Expected trial call allowed after cooldown")
	}
}
