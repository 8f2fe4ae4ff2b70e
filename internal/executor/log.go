package executor

import (
	"context"
	"time"

	"signal-executor/internal/logging"
	"signal-executor/internal/models"
)

// traced carries the dispatch trace id, when present, into executor logs
func (e *Executor) traced(ctx context.Context) *logging.Logger {
	if id := logging.TraceIDFromContext(ctx); id != "" {
		return e.logger.WithTraceID(id)
	}
	return e.logger
}

func newLogEntry(sub *models.Subscription, sig *models.Signal, side string) *models.ExecutionLogEntry {
	return &models.ExecutionLogEntry{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		SignalID:       sig.ID,
		Exchange:       venueOf(sub),
		Side:           side,
		Symbol:         sig.Symbol,
	}
}

// record stamps latency and status and hands the entry to the sink
func (e *Executor) record(ctx context.Context, entry *models.ExecutionLogEntry, start time.Time, status string, err error) {
	entry.Status = status
	entry.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
	}
	// Sink failures are logged by the sink and never change the outcome
	_ = e.sink.Record(ctx, entry)
}

func (e *Executor) skip(ctx context.Context, entry *models.ExecutionLogEntry, start time.Time) (*Result, error) {
	reason := SkipReasonDuplicate
	entry.Status = models.ExecutionSkipped
	entry.LatencyMs = time.Since(start).Milliseconds()
	entry.Error = &reason
	_ = e.sink.Record(ctx, entry)

	e.logger.Info("Execution skipped",
		"reason", reason,
		"user_id", entry.UserID,
		"subscription_id", entry.SubscriptionID,
		"exchange", entry.Exchange,
		"symbol", entry.Symbol)
	return &Result{Skipped: true, Reason: reason}, nil
}

func (e *Executor) fail(ctx context.Context, entry *models.ExecutionLogEntry, start time.Time, pos *models.Position, err error) (*Result, error) {
	e.record(ctx, entry, start, models.ExecutionFailed, err)

	e.logger.Warn("Execution failed",
		"user_id", entry.UserID,
		"subscription_id", entry.SubscriptionID,
		"signal_id", entry.SignalID,
		"exchange", entry.Exchange,
		"symbol", entry.Symbol,
		"error", err)
	return &Result{Position: pos, Reason: err.Error(), Error: err}, err
}
