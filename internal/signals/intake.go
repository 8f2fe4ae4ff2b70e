// Package signals receives raw signal payloads, validates them at the
// boundary and hands valid signals to the event bus for dispatch.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"signal-executor/internal/cache"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
)

// ErrDuplicateSignal is returned by Submit for a signal id seen recently
var ErrDuplicateSignal = errors.New("duplicate signal id")

// Publisher forwards validated signals, e.g. *events.EventBus
type Publisher interface {
	PublishSignalReceived(signalID, symbol, direction string, payload interface{})
}

// Deduper remembers recently seen signal ids, e.g. *cache.CacheService
type Deduper interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Intake decodes, validates and publishes signals. Redelivered signal ids
// are dropped on a best-effort basis; the position registry still guards
// against duplicate entries when the deduper is unavailable.
type Intake struct {
	publisher Publisher
	dedup     Deduper
	seenTTL   time.Duration
	logger    *logging.Logger

	accepted   atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
}

// IntakeStats counts payloads by outcome
type IntakeStats struct {
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Duplicates int64 `json:"duplicates"`
}

// NewIntake creates an Intake. dedup may be nil.
func NewIntake(publisher Publisher, dedup Deduper, logger *logging.Logger) *Intake {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Intake{
		publisher: publisher,
		dedup:     dedup,
		seenTTL:   cache.DefaultSignalSeenTTL,
		logger:    logger.WithComponent("signals"),
	}
}

// Decode parses a JSON signal payload and validates it
func Decode(payload []byte) (*models.Signal, error) {
	var sig models.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidSignal, err)
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return &sig, nil
}

// Submit handles one raw payload
func (in *Intake) Submit(ctx context.Context, payload []byte) (*models.Signal, error) {
	sig, err := Decode(payload)
	if err != nil {
		in.rejected.Add(1)
		in.logger.Warn("Dropping malformed signal", "error", err, "bytes", len(payload))
		return nil, err
	}
	return sig, in.Accept(ctx, sig)
}

// Accept publishes an already decoded signal
func (in *Intake) Accept(ctx context.Context, sig *models.Signal) error {
	if in.dedup != nil {
		fresh, err := in.dedup.SetNX(ctx, cache.SignalSeenKey(sig.ID), sig.Source, in.seenTTL)
		switch {
		case err != nil:
			in.logger.Debug("Signal dedup unavailable, accepting", "signal_id", sig.ID, "error", err)
		case !fresh:
			in.duplicates.Add(1)
			in.logger.Info("Ignoring redelivered signal", "signal_id", sig.ID, "symbol", sig.Symbol)
			return ErrDuplicateSignal
		}
	}

	in.accepted.Add(1)
	logging.SignalContext(in.logger, sig.ID, sig.Symbol, string(sig.Direction), sig.Source).
		Info("Signal received")
	in.publisher.PublishSignalReceived(sig.ID, sig.Symbol, string(sig.Direction), sig)
	return nil
}

// Stats returns the payload counters
func (in *Intake) Stats() IntakeStats {
	return IntakeStats{
		Accepted:   in.accepted.Load(),
		Rejected:   in.rejected.Load(),
		Duplicates: in.duplicates.Load(),
	}
}
