// Package dispatch matches incoming signals to active subscriptions and fans
// execution out per subscription.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal-executor/config"
	"signal-executor/internal/events"
	"signal-executor/internal/execlog"
	"signal-executor/internal/executor"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
	"signal-executor/internal/oracle"
)

const (
	defaultWorkers = 8
	defaultTimeout = 45 * time.Second
)

// SubscriptionStore lists subscriptions eligible for matching
type SubscriptionStore interface {
	ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error)
}

// Executor runs one subscription's share of a signal, e.g. *executor.Executor
type Executor interface {
	Execute(ctx context.Context, req executor.ExecuteRequest) (*executor.Result, error)
}

// ExecutionResult is the outcome for one matched subscription
type ExecutionResult struct {
	SubscriptionID string           `json:"subscription_id"`
	UserID         string           `json:"user_id"`
	Note           MatchNote        `json:"note"`
	Result         *executor.Result `json:"result,omitempty"`
	Err            error            `json:"-"`
}

// Dispatcher is the signal matcher and fan-out
type Dispatcher struct {
	subs    SubscriptionStore
	exec    Executor
	stats   *execlog.Stats
	workers int
	timeout time.Duration
	logger  *logging.Logger
}

// New creates a Dispatcher. Worker count and per-subscription deadline come
// from the executor config.
func New(subs SubscriptionStore, exec Executor, cfg config.ExecutorConfig, stats *execlog.Stats, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	workers := cfg.MaxConcurrency
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		subs:    subs,
		exec:    exec,
		stats:   stats,
		workers: workers,
		timeout: timeout,
		logger:  logger.WithComponent("dispatch"),
	}
}

// Dispatch validates sig, matches it against every active subscription and
// executes each match independently. Results are in subscription order.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *models.Signal) ([]ExecutionResult, error) {
	normalized := *sig
	if err := normalized.Validate(); err != nil {
		return nil, err
	}
	normalized.Symbol = oracle.NormalizeSymbol(normalized.Symbol)
	sig = &normalized

	ctx, traced := logging.WithTraceContext(ctx, d.logger)
	log := logging.SignalContext(traced, sig.ID, sig.Symbol, string(sig.Direction), sig.Source)
	d.stats.SignalProcessed()

	subs, err := d.subs.ListActiveSubscriptions(ctx)
	if err != nil {
		log.Error("Failed to load subscriptions", "error", err)
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	type match struct {
		sub  *models.Subscription
		note MatchNote
	}
	var matched []match
	for _, sub := range subs {
		ok, note := Matches(sub, sig)
		if !ok {
			continue
		}
		if note == MatchStrategyMismatch {
			log.Warn("Strategy mismatch, executing on pair match",
				"subscription_id", sub.ID,
				"subscription_strategy", sub.StrategyID,
				"signal_strategy", sig.StrategyID)
		}
		matched = append(matched, match{sub: sub, note: note})
	}

	if len(matched) == 0 {
		log.Debug("Signal matched no subscriptions", "active_subscriptions", len(subs))
		return nil, nil
	}
	log.Info("Dispatching signal", "matches", len(matched), "active_subscriptions", len(subs))

	results := make([]ExecutionResult, len(matched))
	semaphore := make(chan struct{}, d.workers)
	var wg sync.WaitGroup

	for i, m := range matched {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(i int, sub *models.Subscription, note MatchNote) {
			defer wg.Done()
			defer func() { <-semaphore }()

			results[i] = d.executeOne(ctx, sub, sig, note)
		}(i, m.sub, m.note)
	}
	wg.Wait()

	succeeded, skipped, failed := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Result != nil && r.Result.Skipped:
			skipped++
		default:
			succeeded++
		}
	}
	log.Info("Signal dispatched", "succeeded", succeeded, "skipped", skipped, "failed", failed)
	return results, nil
}

// executeOne runs a single subscription under its own deadline. A panic is
// converted into an error result.
func (d *Dispatcher) executeOne(ctx context.Context, sub *models.Subscription, sig *models.Signal, note MatchNote) (res ExecutionResult) {
	res = ExecutionResult{SubscriptionID: sub.ID, UserID: sub.UserID, Note: note}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic recovered during execution",
				"subscription_id", sub.ID,
				"signal_id", sig.ID,
				"panic", r)
			res.Err = fmt.Errorf("execution panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.exec.Execute(ctx, executor.ExecuteRequest{Subscription: sub, Signal: sig})
	res.Result = result
	res.Err = err
	if err != nil {
		d.logger.WithError(err).Debug("Subscription execution failed",
			"subscription_id", sub.ID,
			"signal_id", sig.ID)
	}
	return res
}

// HandleEvent adapts SIGNAL_RECEIVED events to Dispatch
func (d *Dispatcher) HandleEvent(event events.Event) {
	sig, ok := signalFromPayload(event.Payload)
	if !ok {
		d.logger.Warn("Ignoring signal event without a signal payload", "type", event.Type)
		return
	}
	if _, err := d.Dispatch(context.Background(), sig); err != nil {
		d.logger.Warn("Signal dispatch failed", "signal_id", sig.ID, "error", err)
	}
}

func signalFromPayload(payload interface{}) (*models.Signal, bool) {
	switch v := payload.(type) {
	case *models.Signal:
		return v, v != nil
	case models.Signal:
		return &v, true
	default:
		return nil, false
	}
}
