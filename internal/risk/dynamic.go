package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signal-executor/internal/models"
)

var hundred = decimal.NewFromInt(100)

// PnLPercent is the unrealized P&L of a position in percent of entry
func PnLPercent(entry, price float64, side models.Side) float64 {
	if entry <= 0 {
		return 0
	}
	if side == models.SideShort {
		return (entry - price) / entry * 100
	}
	return (price - entry) / entry * 100
}

// PriceAtPct converts a P&L percentage into an absolute price for the side
func PriceAtPct(entry float64, side models.Side, pct float64) float64 {
	move := decimal.NewFromFloat(pct).Div(hundred)
	if side == models.SideShort {
		move = move.Neg()
	}
	return decimal.NewFromFloat(entry).Mul(decimal.NewFromInt(1).Add(move)).InexactFloat64()
}

// PriceLevels returns absolute take-profit and stop-loss prices.
// slPct is signed, negative being the loss side.
func PriceLevels(entry float64, side models.Side, tpPct, slPct float64) (tp, sl float64) {
	return PriceAtPct(entry, side, tpPct), PriceAtPct(entry, side, slPct)
}

// DynamicState is the part of a position that RecomputeDynamic may move
type DynamicState struct {
	StopLossPct      float64
	HasStopLoss      bool
	BreakEvenApplied bool
}

// DynamicResult reports the stop after one evaluation
type DynamicResult struct {
	PnLPct           float64
	NewStopLossPct   float64
	NewStopLossPrice float64
	BreakEvenApplied bool
	Changed          bool
	Modifications    []string
}

// RecomputeDynamic applies the break-even ratchet and the trailing stop.
// The stop only ever moves in the favorable direction.
func RecomputeDynamic(entry, current float64, side models.Side, params models.RiskParameters, state DynamicState) DynamicResult {
	pnl := PnLPercent(entry, current, side)
	res := DynamicResult{
		PnLPct:           pnl,
		NewStopLossPct:   state.StopLossPct,
		BreakEvenApplied: state.BreakEvenApplied,
	}
	hasStop := state.HasStopLoss

	if be := params.BreakEven; be != nil && !state.BreakEvenApplied && pnl >= be.ActivationPct {
		res.BreakEvenApplied = true
		if !hasStop || be.OffsetPct > res.NewStopLossPct {
			res.Modifications = append(res.Modifications,
				fmt.Sprintf("break-even at %.2f%% pnl: stop %.2f%% -> %.2f%%", pnl, res.NewStopLossPct, be.OffsetPct))
			res.NewStopLossPct = be.OffsetPct
			hasStop = true
		}
	}

	if ts := params.Trailing; ts != nil && pnl >= ts.ActivationPct {
		candidate := pnl - ts.CallbackPct
		if !hasStop || candidate > res.NewStopLossPct {
			res.Modifications = append(res.Modifications,
				fmt.Sprintf("trailing at %.2f%% pnl: stop %.2f%% -> %.2f%%", pnl, res.NewStopLossPct, candidate))
			res.NewStopLossPct = candidate
			hasStop = true
		}
	}

	res.Changed = res.BreakEvenApplied != state.BreakEvenApplied || res.NewStopLossPct != state.StopLossPct
	if hasStop {
		res.NewStopLossPrice = PriceAtPct(entry, side, res.NewStopLossPct)
	}
	return res
}
