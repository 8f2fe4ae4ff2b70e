// Package monitor periodically evaluates tracked positions against their
// take-profit and stop-loss levels, moving dynamic stops and closing
// positions when a level is crossed on a sufficiently reliable price.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"signal-executor/config"
	"signal-executor/internal/events"
	"signal-executor/internal/execlog"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
	"signal-executor/internal/oracle"
	"signal-executor/internal/orders"
	"signal-executor/internal/risk"
)

// FallbackConfidence is assigned to the last stored price when the oracle fails
const FallbackConfidence = 0.5

const (
	ReasonTakeProfit = "take profit"
	ReasonStopLoss   = "stop loss"
)

// PositionStore is the persistence the monitor reads and updates
type PositionStore interface {
	ListMonitored(ctx context.Context) ([]*models.Position, error)
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	UpdatePosition(ctx context.Context, p *models.Position) error
}

// PriceSource quotes a symbol, e.g. *oracle.Oracle
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string, opts oracle.Options) (*models.PriceQuote, error)
}

// Closer closes a tracked position, e.g. *executor.Executor
type Closer interface {
	ClosePosition(ctx context.Context, pos *models.Position, price float64, reason string) (*models.Position, error)
}

// TickResult summarizes one sweep
type TickResult struct {
	Evaluated  int `json:"evaluated"`
	Closed     int `json:"closed"`
	Suppressed int `json:"suppressed"`
	StopsMoved int `json:"stops_moved"`
	Failed     int `json:"failed"`
}

// Monitor is the fixed-interval position sweep
type Monitor struct {
	store    PositionStore
	prices   PriceSource
	closer   Closer
	registry *orders.Registry
	stats    *execlog.Stats
	bus      *events.EventBus
	cfg      config.MonitorConfig
	logger   *logging.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a Monitor. Zero config values take the defaults: 5s interval,
// 10s per position, 0.6 confidence and 16 parallel evaluations.
func New(store PositionStore, prices PriceSource, closer Closer, registry *orders.Registry,
	stats *execlog.Stats, bus *events.EventBus, cfg config.MonitorConfig, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.PositionTimeout <= 0 {
		cfg.PositionTimeout = 10 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 16
	}
	return &Monitor{
		store:    store,
		prices:   prices,
		closer:   closer,
		registry: registry,
		stats:    stats,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.WithComponent("monitor"),
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is done
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("position monitor already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("Starting position monitor",
		"interval", m.cfg.Interval.String(),
		"confidence_threshold", m.cfg.ConfidenceThreshold)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop signals the loop and waits for the current sweep to drain
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("position monitor not running")
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()

	m.logger.Info("Position monitor stopped")
	return nil
}

// IsRunning returns whether the loop is active
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunOnce(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			m.logger.Info("Position monitor context cancelled")
			return
		}
	}
}

// RunOnce evaluates every monitored position once. Per-position failures
// are logged and counted, never returned.
func (m *Monitor) RunOnce(ctx context.Context) TickResult {
	start := time.Now()
	positions, err := m.store.ListMonitored(ctx)
	if err != nil {
		m.logger.Error("Failed to load monitored positions", "error", err)
		return TickResult{}
	}
	if len(positions) == 0 {
		return TickResult{}
	}

	var closed, suppressed, moved, failed atomic.Int64
	semaphore := make(chan struct{}, m.cfg.MaxParallel)
	var wg sync.WaitGroup

	for _, pos := range positions {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(p *models.Position) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					m.logger.Error("Panic recovered while evaluating position",
						"position_id", p.ID, "symbol", p.Symbol, "panic", r)
				}
			}()

			pctx, cancel := context.WithTimeout(ctx, m.cfg.PositionTimeout)
			defer cancel()

			out, err := m.evaluate(pctx, p)
			if err != nil {
				failed.Add(1)
				m.logger.Warn("Position evaluation failed",
					"position_id", p.ID, "symbol", p.Symbol, "error", err)
			}
			if out.stopMoved {
				moved.Add(1)
			}
			if out.suppressed {
				suppressed.Add(1)
			}
			if out.closed {
				closed.Add(1)
			}
		}(pos)
	}
	wg.Wait()

	res := TickResult{
		Evaluated:  len(positions),
		Closed:     int(closed.Load()),
		Suppressed: int(suppressed.Load()),
		StopsMoved: int(moved.Load()),
		Failed:     int(failed.Load()),
	}
	m.logger.WithDuration(time.Since(start)).Debug("Monitor sweep complete",
		"evaluated", res.Evaluated,
		"closed", res.Closed,
		"suppressed", res.Suppressed,
		"stops_moved", res.StopsMoved,
		"failed", res.Failed)
	return res
}

type outcome struct {
	stopMoved  bool
	suppressed bool
	closed     bool
}

// evaluate handles a single position
func (m *Monitor) evaluate(ctx context.Context, pos *models.Position) (outcome, error) {
	var out outcome
	log := logging.PositionContext(m.logger, pos.ID, pos.Symbol, string(pos.Side), string(pos.Status))

	price, confidence, err := m.quote(ctx, pos)
	if err != nil {
		return out, err
	}

	// Price and stop updates are serialized with entries and exits on the
	// same key. The listed row may predate an entry that held the lock, so
	// updates apply to a copy re-read under the lock.
	var tracked bool
	err = m.registry.WithKey(pos.Key(), func() error {
		rec, ok := m.registry.Get(pos.Key())
		if !ok || rec.PositionID != pos.ID {
			return nil
		}
		fresh, err := m.store.GetPosition(ctx, pos.ID)
		if err != nil {
			return err
		}
		if fresh.Status != rec.Status {
			log.Warn("Stored status disagrees with registry, skipping update",
				"stored_status", fresh.Status,
				"tracked_status", rec.Status)
			return nil
		}
		tracked = true
		pos = fresh

		out.stopMoved = m.applyDynamic(pos, price, log)
		pos.CurrentPrice = price
		return m.store.UpdatePosition(ctx, pos)
	})
	if err != nil {
		return out, fmt.Errorf("persist price update: %w", err)
	}
	if !tracked {
		log.Debug("Skipping position not tracked by the registry")
		return out, nil
	}

	reason := closeReason(pos, price)
	if reason == "" {
		return out, nil
	}

	if confidence < m.cfg.ConfidenceThreshold {
		out.suppressed = true
		m.stats.CloseSuppressed()
		if m.bus != nil {
			m.bus.PublishCloseSuppressed(pos.ID, pos.Symbol, price, confidence)
		}
		log.Warn("Close condition met but price confidence too low, skipping",
			"reason", reason,
			"price", price,
			"confidence", confidence,
			"threshold", m.cfg.ConfidenceThreshold)
		return out, nil
	}

	if _, err := m.closer.ClosePosition(ctx, pos, price, reason); err != nil {
		if errors.Is(err, models.ErrPositionNotFound) {
			log.Debug("Position closed concurrently", "reason", reason)
			return out, nil
		}
		return out, fmt.Errorf("close on %s: %w", reason, err)
	}
	out.closed = true
	return out, nil
}

// quote asks the oracle and falls back to the stored price
func (m *Monitor) quote(ctx context.Context, pos *models.Position) (float64, float64, error) {
	q, err := m.prices.GetPrice(ctx, pos.Symbol, oracle.DefaultOptions())
	if err == nil && q.Price > 0 {
		return q.Price, q.Confidence, nil
	}
	if pos.CurrentPrice > 0 {
		m.logger.Debug("Oracle unavailable, using stored price",
			"position_id", pos.ID, "symbol", pos.Symbol, "error", err)
		return pos.CurrentPrice, FallbackConfidence, nil
	}
	if err == nil {
		err = fmt.Errorf("oracle returned no price")
	}
	return 0, 0, fmt.Errorf("%w: %v", models.ErrTransientNetwork, err)
}

// applyDynamic moves the stop for break-even and trailing configuration
func (m *Monitor) applyDynamic(pos *models.Position, price float64, log *logging.Logger) bool {
	params := pos.RiskParameters()
	if params.Trailing == nil && params.BreakEven == nil {
		return false
	}
	res := risk.RecomputeDynamic(pos.EntryPrice, price, pos.Side, params, risk.DynamicState{
		StopLossPct:      pos.StopLossPct,
		HasStopLoss:      pos.StopLoss > 0,
		BreakEvenApplied: pos.BreakEvenApplied,
	})
	if !res.Changed {
		return false
	}

	oldStop := pos.StopLoss
	pos.StopLossPct = res.NewStopLossPct
	pos.StopLoss = res.NewStopLossPrice
	pos.BreakEvenApplied = res.BreakEvenApplied

	if m.bus != nil {
		m.bus.PublishStopUpdated(pos.ID, pos.Symbol, oldStop, pos.StopLoss, res.Modifications)
	}
	log.Info("Stop loss moved",
		"old_stop", oldStop,
		"new_stop", pos.StopLoss,
		"pnl_pct", res.PnLPct,
		"modifications", res.Modifications)
	return oldStop != pos.StopLoss
}

// closeReason returns the crossed level, or "" when none is crossed
func closeReason(pos *models.Position, price float64) string {
	switch pos.Side {
	case models.SideShort:
		if pos.TakeProfit > 0 && price <= pos.TakeProfit {
			return ReasonTakeProfit
		}
		if pos.StopLoss > 0 && price >= pos.StopLoss {
			return ReasonStopLoss
		}
	default:
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return ReasonTakeProfit
		}
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return ReasonStopLoss
		}
	}
	return ""
}
