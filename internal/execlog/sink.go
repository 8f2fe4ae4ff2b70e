// Package execlog records every execution attempt and keeps the counters
// behind the stats endpoint.
package execlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-executor/internal/events"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
)

// Sink receives execution log entries
type Sink interface {
	Record(ctx context.Context, entry *models.ExecutionLogEntry) error
}

// Writer persists execution log entries, e.g. *database.Repository
type Writer interface {
	InsertExecutionLog(ctx context.Context, entry *models.ExecutionLogEntry) error
}

// PostgresSink writes entries through the persistence layer
type PostgresSink struct {
	writer Writer
}

// NewPostgresSink wraps a Writer
func NewPostgresSink(writer Writer) *PostgresSink {
	return &PostgresSink{writer: writer}
}

// Record implements Sink
func (s *PostgresSink) Record(ctx context.Context, entry *models.ExecutionLogEntry) error {
	return s.writer.InsertExecutionLog(ctx, entry)
}

// MemorySink keeps the most recent entries in memory
type MemorySink struct {
	mu      sync.Mutex
	entries []models.ExecutionLogEntry
	max     int
}

// NewMemorySink keeps at most max entries; max <= 0 means 1000
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1000
	}
	return &MemorySink{max: max}
}

// Record implements Sink
func (s *MemorySink) Record(ctx context.Context, entry *models.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return nil
}

// Entries returns a copy of the stored entries, oldest first
func (s *MemorySink) Entries() []models.ExecutionLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExecutionLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of stored entries
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// MultiSink fans an entry out to every sink and joins their errors
type MultiSink []Sink

// Record implements Sink
func (m MultiSink) Record(ctx context.Context, entry *models.ExecutionLogEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder stamps entries, updates Stats, publishes EventExecutionLogged and
// forwards to the underlying sink. A sink failure is logged and returned but
// never changes the outcome of the execution it describes.
type Recorder struct {
	sink   Sink
	stats  *Stats
	bus    *events.EventBus
	logger *logging.Logger
}

// NewRecorder creates a Recorder. stats and bus may be nil.
func NewRecorder(sink Sink, stats *Stats, bus *events.EventBus, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	if sink == nil {
		sink = NewMemorySink(0)
	}
	return &Recorder{
		sink:   sink,
		stats:  stats,
		bus:    bus,
		logger: logger.WithComponent("execlog"),
	}
}

// Record implements Sink
func (r *Recorder) Record(ctx context.Context, entry *models.ExecutionLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	r.stats.RecordExecution(entry)

	err := r.sink.Record(ctx, entry)
	if err != nil {
		r.logger.Error("Failed to persist execution log",
			"error", err,
			"signal_id", entry.SignalID,
			"subscription_id", entry.SubscriptionID,
			"status", entry.Status)
	}

	if r.bus != nil {
		data := map[string]interface{}{
			"id":              entry.ID,
			"user_id":         entry.UserID,
			"subscription_id": entry.SubscriptionID,
			"signal_id":       entry.SignalID,
			"symbol":          entry.Symbol,
			"side":            entry.Side,
			"status":          entry.Status,
			"latency_ms":      entry.LatencyMs,
		}
		if entry.Error != nil {
			data["error"] = *entry.Error
		}
		r.bus.Publish(events.Event{Type: events.EventExecutionLogged, Data: data, Payload: *entry})
	}
	return err
}

// Stats returns the counters updated by this recorder
func (r *Recorder) Stats() *Stats {
	return r.stats
}
