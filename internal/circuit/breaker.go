package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Source disabled
	StateHalfOpen BreakerState = "half_open" // Probing after cooldown
)

// Config holds per-source breaker configuration
type Config struct {
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
	Cooldown             time.Duration `json:"cooldown"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveErrors: 3,
		Cooldown:             5 * time.Minute,
	}
}

// SourceBreaker disables a price source after repeated errors and
// re-enables it once the cooldown window has elapsed.
type SourceBreaker struct {
	name              string
	config            Config
	state             BreakerState
	consecutiveErrors int
	totalErrors       int64
	totalSuccesses    int64
	lastTripTime      time.Time
	lastError         string
	mu                sync.Mutex
	now               func() time.Time
	onTrip            func(name, reason string)
}

// NewSourceBreaker creates a breaker for the named source
func NewSourceBreaker(name string, config Config) *SourceBreaker {
	if config.MaxConsecutiveErrors <= 0 {
		config.MaxConsecutiveErrors = DefaultConfig().MaxConsecutiveErrors
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	return &SourceBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (b *SourceBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnTrip sets callback for when the breaker opens
func (b *SourceBreaker) OnTrip(handler func(name, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// Allow reports whether the source may be queried. An open breaker moves
// to half-open once the cooldown has passed.
func (b *SourceBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.now().Sub(b.lastTripTime) < b.config.Cooldown {
		return false
	}
	b.state = StateHalfOpen
	return true
}

// RecordSuccess closes the breaker and resets the error streak
func (b *SourceBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveErrors = 0
	b.state = StateClosed
}

// RecordFailure counts an error and trips the breaker at the threshold.
// A failure while half-open re-opens immediately.
func (b *SourceBreaker) RecordFailure(err error) {
	b.mu.Lock()

	b.totalErrors++
	b.consecutiveErrors++
	if err != nil {
		b.lastError = err.Error()
	}

	var reason string
	if b.state == StateHalfOpen {
		reason = fmt.Sprintf("trial call failed after cooldown: %s", b.lastError)
	} else if b.state == StateClosed && b.consecutiveErrors >= b.config.MaxConsecutiveErrors {
		reason = fmt.Sprintf("consecutive errors: %d", b.consecutiveErrors)
	}

	var onTrip func(name, reason string)
	if reason != "" {
		b.state = StateOpen
		b.lastTripTime = b.now()
		onTrip = b.onTrip
	}
	b.mu.Unlock()

	if onTrip != nil {
		onTrip(b.name, reason)
	}
}

// Trip opens the breaker immediately, e.g. when a dependency is unreachable
// at startup
func (b *SourceBreaker) Trip(err error) {
	b.mu.Lock()
	b.totalErrors++
	if err != nil {
		b.lastError = err.Error()
	}
	b.state = StateOpen
	b.lastTripTime = b.now()
	onTrip := b.onTrip
	reason := fmt.Sprintf("tripped: %s", b.lastError)
	b.mu.Unlock()

	if onTrip != nil {
		onTrip(b.name, reason)
	}
}

// State returns current breaker state without advancing it
func (b *SourceBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name of the guarded source
func (b *SourceBreaker) Name() string {
	return b.name
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name              string       `json:"name"`
	State             BreakerState `json:"state"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	TotalErrors       int64        `json:"total_errors"`
	TotalSuccesses    int64        `json:"total_successes"`
	LastError         string       `json:"last_error,omitempty"`
	LastTripTime      time.Time    `json:"last_trip_time,omitempty"`
}

// Stats returns current statistics
func (b *SourceBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:              b.name,
		State:             b.state,
		ConsecutiveErrors: b.consecutiveErrors,
		TotalErrors:       b.totalErrors,
		TotalSuccesses:    b.totalSuccesses,
		LastError:         b.lastError,
		LastTripTime:      b.lastTripTime,
	}
}

// ForceReset manually closes the breaker
func (b *SourceBreaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveErrors = 0
}
