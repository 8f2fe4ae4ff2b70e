package risk

import (
	"testing"

	"signal-executor/internal/models"
)

func dynamicParams() models.RiskParameters {
	return models.RiskParameters{
		TakeProfitPct: 3.13,
		StopLossPct:   -2.75,
		Trailing:      &models.TrailingStop{ActivationPct: 1.565, CallbackPct: 0.7825},
		BreakEven:     &models.BreakEven{ActivationPct: 1.252, OffsetPct: 0.1},
	}
}

func TestPnLPercent(t *testing.T) {
	tests := []struct {
		name     string
		entry    float64
		price    float64
		side     models.Side
		expected float64
	}{
		{"long profit", 100, 103, models.SideLong, 3},
		{"long loss", 100, 98, models.SideLong, -2},
		{"short profit", 100, 97, models.SideShort, 3},
		{"short loss", 100, 102, models.SideShort, -2},
		{"zero entry", 0, 100, models.SideLong, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PnLPercent(tt.entry, tt.price, tt.side); !approx(got, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestPriceLevelsShort(t *testing.T) {
	tp, sl := PriceLevels(100, models.SideShort, 3.13, -2.75)
	if !approx(tp, 96.87) || !approx(sl, 102.75) {
		t.Errorf("Expected 96.87 / 102.75, got %v / %v", tp, sl)
	}
}

func TestRecomputeBelowActivationIsNoop(t *testing.T) {
	res := RecomputeDynamic(100, 101, models.SideLong, dynamicParams(), DynamicState{StopLossPct: -2.75, HasStopLoss: true})
	if res.Changed || len(res.Modifications) != 0 {
		t.Errorf("Expected no change at 1%% pnl, got %+v", res)
	}
	if !approx(res.NewStopLossPrice, 97.25) {
		t.Errorf("Expected unchanged stop price 97.25, got %v", res.NewStopLossPrice)
	}
}

func TestBreakEvenRatchetAppliesOnce(t *testing.T) {
	params := dynamicParams()
	params.Trailing = nil

	res := RecomputeDynamic(100, 101.3, models.SideLong, params, DynamicState{StopLossPct: -2.75, HasStopLoss: true})
	if !res.BreakEvenApplied || !approx(res.NewStopLossPct, 0.1) {
		t.Fatalf("Expected break-even stop at +0.1%%, got %+v", res)
	}
	if !approx(res.NewStopLossPrice, 100.1) {
		t.Errorf("Expected stop price 100.1, got %v", res.NewStopLossPrice)
	}

	// price falls back; the ratchet must not revert
	state := DynamicState{StopLossPct: res.NewStopLossPct, HasStopLoss: true, BreakEvenApplied: true}
	res = RecomputeDynamic(100, 99.5, models.SideLong, params, state)
	if res.Changed || !approx(res.NewStopLossPct, 0.1) {
		t.Errorf("Expected break-even stop to hold, got %+v", res)
	}
}

func TestTrailingOnlyTightens(t *testing.T) {
	params := dynamicParams()
	state := DynamicState{StopLossPct: -2.75, HasStopLoss: true}
	path := []float64{101, 101.3, 102, 101.5, 101.7, 103, 102.2, 100.5, 104}

	prev := state.StopLossPct
	for _, price := range path {
		res := RecomputeDynamic(100, price, models.SideLong, params, state)
		if res.NewStopLossPct < prev {
			t.Fatalf("Stop loosened at price %v: %v -> %v", price, prev, res.NewStopLossPct)
		}
		prev = res.NewStopLossPct
		state = DynamicState{StopLossPct: res.NewStopLossPct, HasStopLoss: true, BreakEvenApplied: res.BreakEvenApplied}
	}

	// 104 -> pnl 4, candidate 4 - 0.7825
	if !approx(state.StopLossPct, 3.2175) {
		t.Errorf("Expected final stop 3.2175%%, got %v", state.StopLossPct)
	}
	if !state.BreakEvenApplied {
		t.Error("Expected break-even to have applied along the path")
	}
}

func TestTrailingNeverBelowBreakEven(t *testing.T) {
	params := dynamicParams()
	params.Trailing = &models.TrailingStop{ActivationPct: 1.0, CallbackPct: 1.5}
	state := DynamicState{StopLossPct: 0.1, HasStopLoss: true, BreakEvenApplied: true}

	// candidate 1.2 - 1.5 = -0.3 is worse than the break-even stop
	res := RecomputeDynamic(100, 101.2, models.SideLong, params, state)
	if res.Changed || !approx(res.NewStopLossPct, 0.1) {
		t.Errorf("Expected break-even stop to hold, got %+v", res)
	}
}

func TestTrailingShortPosition(t *testing.T) {
	params := dynamicParams()
	state := DynamicState{StopLossPct: -2.75, HasStopLoss: true}

	res := RecomputeDynamic(100, 98, models.SideShort, params, state)
	if !res.Changed || !res.BreakEvenApplied {
		t.Fatalf("Expected break-even and trailing on short, got %+v", res)
	}
	if !approx(res.NewStopLossPct, 2-0.7825) {
		t.Errorf("Expected stop pct 1.2175, got %v", res.NewStopLossPct)
	}
	if !approx(res.NewStopLossPrice, 98.7825) {
		t.Errorf("Expected stop price 98.7825 above current, got %v", res.NewStopLossPrice)
	}
	if len(res.Modifications) != 2 {
		t.Errorf("Expected 2 modifications, got %v", res.Modifications)
	}
}

func TestRecomputeWithoutDynamicConfig(t *testing.T) {
	params := models.RiskParameters{TakeProfitPct: 3, StopLossPct: -2}
	res := RecomputeDynamic(100, 110, models.SideLong, params, DynamicState{StopLossPct: -2, HasStopLoss: true})
	if res.Changed {
		t.Errorf("Expected static stop to stay, got %+v", res)
	}
}
