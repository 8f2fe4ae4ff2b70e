package risk

import (
	"context"

	"signal-executor/internal/logging"
	"signal-executor/internal/models"
)

// DefaultMinAdaptiveTrades is the sample size below which history is ignored
const DefaultMinAdaptiveTrades = 5

// PerformanceStore reads realized per-symbol statistics. A symbol with no
// history returns nil and no error.
type PerformanceStore interface {
	SymbolPerformance(ctx context.Context, symbol string) (*models.SymbolPerformance, error)
}

// Adaptive recommends TP/SL from the symbol's realized history
type Adaptive struct {
	store     PerformanceStore
	minTrades int
	logger    *logging.Logger
}

// NewAdaptive creates the adaptive tier. store may be nil, in which case
// every recommendation uses the profile defaults.
func NewAdaptive(store PerformanceStore, minTrades int, logger *logging.Logger) *Adaptive {
	if logger == nil {
		logger = logging.Discard()
	}
	if minTrades <= 0 {
		minTrades = DefaultMinAdaptiveTrades
	}
	return &Adaptive{store: store, minTrades: minTrades, logger: logger.WithComponent("risk-adaptive")}
}

// Performance loads history for a symbol, returning nil on any failure
func (a *Adaptive) Performance(ctx context.Context, symbol string) *models.SymbolPerformance {
	if a == nil || a.store == nil {
		return nil
	}
	perf, err := a.store.SymbolPerformance(ctx, symbol)
	if err != nil {
		a.logger.Warn("Symbol performance lookup failed", "symbol", symbol, "error", err)
		return nil
	}
	return perf
}

// Recommend returns adaptive parameters for the symbol and profile
func (a *Adaptive) Recommend(ctx context.Context, symbol string, profile models.RiskProfile) models.RiskParameters {
	perf := a.Performance(ctx, symbol)
	tp, sl, ok := FromPerformance(perf, profile, a.minTrades)
	params := models.RiskParameters{
		TakeProfitPct: tp,
		StopLossPct:   sl,
		Provenance:    models.ProvenanceAdaptive,
	}
	if !ok {
		params.Reasoning = "insufficient history, profile defaults"
	}
	return params
}

// FromPerformance blends historical averages with the balanced defaults
// and scales by the profile multiplier. With fewer than minTrades it returns
// the profile defaults and ok=false.
//
// The take-profit leans toward the average win as the win rate rises. The
// stop leans toward the average loss as the loss rate rises.
func FromPerformance(perf *models.SymbolPerformance, profile models.RiskProfile, minTrades int) (tp, sl float64, ok bool) {
	profile = profile.Normalize()
	if perf == nil || perf.Trades < minTrades || perf.AvgWinPct <= 0 || perf.AvgLossPct <= 0 {
		d := DefaultsFor(profile)
		return d.TakeProfitPct, d.StopLossPct, false
	}

	base := DefaultsFor(models.ProfileBalanced)
	winRate := perf.WinRate()

	tp = winRate*perf.AvgWinPct + (1-winRate)*base.TakeProfitPct
	lossMagnitude := (1-winRate)*perf.AvgLossPct + winRate*(-base.StopLossPct)

	m := profileMultipliers[profile]
	tp, sl = Clamp(tp*m.TakeProfit, -lossMagnitude*m.StopLoss)
	return tp, sl, true
}
