// Package orders tracks which (user, exchange, symbol) slots hold a
// non-terminal position and serializes all work on a slot.
package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-executor/internal/models"
)

// TrackingRecord is the in-memory view of a tracked position
type TrackingRecord struct {
	PositionID string                `json:"position_id"`
	Side       models.Side           `json:"side"`
	Size       float64               `json:"size"`
	EntryPrice float64               `json:"entry_price"`
	Status     models.PositionStatus `json:"status"`
	OpenedAt   time.Time             `json:"opened_at"`
}

// RecordFor builds a tracking record from a persisted position
func RecordFor(p *models.Position) TrackingRecord {
	return TrackingRecord{
		PositionID: p.ID,
		Side:       p.Side,
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		Status:     p.Status,
		OpenedAt:   p.OpenedAt,
	}
}

// Entry pairs a key with its record, as returned by Snapshot
type Entry struct {
	Key    models.PositionKey `json:"key"`
	Record TrackingRecord     `json:"record"`
}

// PositionLoader lists persisted OPEN and VIRTUAL positions
type PositionLoader interface {
	ListActive(ctx context.Context) ([]*models.Position, error)
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Registry maps position keys to tracking records. Callers must hold the key
// lock (see WithKey) around every read-modify-write on a key and around the
// persistence write that goes with it.
type Registry struct {
	mu      sync.Mutex
	records map[models.PositionKey]TrackingRecord
	locks   map[models.PositionKey]*keyLock
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		records: make(map[models.PositionKey]TrackingRecord),
		locks:   make(map[models.PositionKey]*keyLock),
		logger:  logger.With().Str("component", "PositionRegistry").Logger(),
	}
}

// WithKey runs fn while holding the lock for key. Calls for different keys
// proceed in parallel.
func (r *Registry) WithKey(key models.PositionKey, fn func() error) error {
	lock := r.acquire(key)
	defer r.release(key, lock)
	return fn()
}

func (r *Registry) acquire(key models.PositionKey) *keyLock {
	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &keyLock{}
		r.locks[key] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (r *Registry) release(key models.PositionKey, lock *keyLock) {
	lock.mu.Unlock()

	r.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}

// Exists reports whether the key holds a non-terminal position
func (r *Registry) Exists(key models.PositionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[key]
	return ok
}

// Get returns the record for key
func (r *Registry) Get(key models.PositionKey) (TrackingRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	return rec, ok
}

// Put tracks a new position. It fails with ErrDuplicatePosition when the key
// is already occupied.
func (r *Registry) Put(key models.PositionKey, rec TrackingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[key]; ok {
		return fmt.Errorf("%w: %s held by %s", models.ErrDuplicatePosition, key, existing.PositionID)
	}
	r.records[key] = rec

	r.logger.Debug().
		Str("key", key.String()).
		Str("position_id", rec.PositionID).
		Str("status", string(rec.Status)).
		Msg("Position tracked")
	return nil
}

// Update replaces the record for a tracked key, e.g. VIRTUAL -> OPEN
func (r *Registry) Update(key models.PositionKey, rec TrackingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[key]; !ok {
		return fmt.Errorf("%w: %s", models.ErrPositionNotFound, key)
	}
	r.records[key] = rec
	return nil
}

// Remove stops tracking key and reports whether it was tracked
func (r *Registry) Remove(key models.PositionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return false
	}
	delete(r.records, key)

	r.logger.Debug().
		Str("key", key.String()).
		Str("position_id", rec.PositionID).
		Msg("Position untracked")
	return true
}

// Count returns the number of tracked positions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns a copy of all records ordered by open time
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.records))
	for k, v := range r.records {
		entries = append(entries, Entry{Key: k, Record: v})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Record.OpenedAt.Before(entries[j].Record.OpenedAt)
	})
	return entries
}

// Reconcile loads persisted non-terminal positions into the registry. It must
// run before any signal is accepted. When two persisted positions share a key
// the earliest opened one is tracked and the conflict is logged.
func (r *Registry) Reconcile(ctx context.Context, loader PositionLoader) (int, error) {
	positions, err := loader.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active positions: %w", err)
	}

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})

	loaded := 0
	for _, p := range positions {
		if !p.IsActive() {
			continue
		}
		if err := r.Put(p.Key(), RecordFor(p)); err != nil {
			r.logger.Error().
				Err(err).
				Str("position_id", p.ID).
				Str("key", p.Key().String()).
				Msg("Conflicting persisted position, not tracked")
			continue
		}
		loaded++
	}

	r.logger.Info().
		Int("count", loaded).
		Int("persisted", len(positions)).
		Msg("Reconciled active positions into registry")
	return loaded, nil
}
