package execlog

import (
	"strings"
	"sync/atomic"
	"time"

	"signal-executor/internal/models"
)

// Stats are process-wide counters for the admin stats endpoint. Every
// counter is mirrored into the Prometheus metrics. A nil *Stats is a no-op.
type Stats struct {
	signalsProcessed    atomic.Int64
	executionsAttempted atomic.Int64
	executionsSucceeded atomic.Int64
	executionsFailed    atomic.Int64
	executionsSkipped   atomic.Int64
	closesSuppressed    atomic.Int64
	positionsClosed     atomic.Int64
	lastExecution       atomic.Int64 // unix nanos
	startedAt           time.Time
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	SignalsProcessed    int64      `json:"signals_processed"`
	ExecutionsAttempted int64      `json:"executions_attempted"`
	ExecutionsSucceeded int64      `json:"executions_succeeded"`
	ExecutionsFailed    int64      `json:"executions_failed"`
	ExecutionsSkipped   int64      `json:"executions_skipped"`
	ClosesSuppressed    int64      `json:"closes_suppressed"`
	PositionsClosed     int64      `json:"positions_closed"`
	LastExecutionAt     *time.Time `json:"last_execution_at,omitempty"`
	Uptime              string     `json:"uptime"`
}

// NewStats creates zeroed counters
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

// SignalProcessed counts one dispatched signal
func (s *Stats) SignalProcessed() {
	if s == nil {
		return
	}
	s.signalsProcessed.Add(1)
	SignalsProcessed.Inc()
}

// RecordExecution counts one execution attempt by status
func (s *Stats) RecordExecution(entry *models.ExecutionLogEntry) {
	if s == nil {
		return
	}
	s.executionsAttempted.Add(1)
	switch entry.Status {
	case models.ExecutionSuccess:
		s.executionsSucceeded.Add(1)
	case models.ExecutionSkipped:
		s.executionsSkipped.Add(1)
	default:
		s.executionsFailed.Add(1)
	}

	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	s.lastExecution.Store(at.UnixNano())

	Executions.WithLabelValues(entry.Status, strings.ToLower(entry.Side)).Inc()
	ExecutionLatency.WithLabelValues(entry.Exchange).Observe(float64(entry.LatencyMs))
	LastExecutionTimestamp.Set(float64(at.Unix()))
}

// CloseSuppressed counts a monitor close skipped for low confidence
func (s *Stats) CloseSuppressed() {
	if s == nil {
		return
	}
	s.closesSuppressed.Add(1)
	ClosesSuppressed.Inc()
}

// PositionClosed counts a closed position
func (s *Stats) PositionClosed(reason string) {
	if s == nil {
		return
	}
	s.positionsClosed.Add(1)
	PositionsClosed.WithLabelValues(reasonLabel(reason)).Inc()
}

// SetTracked mirrors the registry size
func (s *Stats) SetTracked(n int) {
	if s == nil {
		return
	}
	TrackedPositions.Set(float64(n))
}

// Snapshot returns the current counters
func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		SignalsProcessed:    s.signalsProcessed.Load(),
		ExecutionsAttempted: s.executionsAttempted.Load(),
		ExecutionsSucceeded: s.executionsSucceeded.Load(),
		ExecutionsFailed:    s.executionsFailed.Load(),
		ExecutionsSkipped:   s.executionsSkipped.Load(),
		ClosesSuppressed:    s.closesSuppressed.Load(),
		PositionsClosed:     s.positionsClosed.Load(),
		Uptime:              time.Since(s.startedAt).Truncate(time.Second).String(),
	}
	if ns := s.lastExecution.Load(); ns > 0 {
		t := time.Unix(0, ns)
		snap.LastExecutionAt = &t
	}
	return snap
}

// reasonLabel keeps metric cardinality bounded; exit reasons carry order ids
func reasonLabel(reason string) string {
	switch {
	case strings.HasPrefix(reason, "take profit"):
		return "take_profit"
	case strings.HasPrefix(reason, "stop loss"):
		return "stop_loss"
	case strings.HasPrefix(reason, "exit signal"):
		return "exit_signal"
	default:
		return "other"
	}
}
