package risk

import (
	"math"

	"signal-executor/internal/models"
)

// Bounds applied to every recommended value, in percent of entry
const (
	MinTakeProfitPct = 0.3
	MaxTakeProfitPct = 25.0
	MinStopLossPct   = -15.0
	MaxStopLossPct   = -0.2
)

// Dynamic-stop derivation factors, relative to TP
const (
	trailingActivationFactor  = 0.5
	trailingCallbackFactor    = 0.25
	breakEvenActivationFactor = 0.4
	breakEvenOffsetPct        = 0.1
)

// ProfileDefaults is a static TP/SL pair for one risk profile
type ProfileDefaults struct {
	TakeProfitPct float64
	StopLossPct   float64
}

var globalDefaults = map[models.RiskProfile]ProfileDefaults{
	models.ProfileConservative: {TakeProfitPct: 2.0, StopLossPct: -2.0},
	models.ProfileBalanced:     {TakeProfitPct: 3.13, StopLossPct: -2.75},
	models.ProfileAggressive:   {TakeProfitPct: 5.0, StopLossPct: -3.5},
}

// profileMultiplier scales historical recommendations per profile
type profileMultiplier struct {
	TakeProfit float64
	StopLoss   float64
}

var profileMultipliers = map[models.RiskProfile]profileMultiplier{
	models.ProfileConservative: {TakeProfit: 0.75, StopLoss: 1.5},
	models.ProfileBalanced:     {TakeProfit: 1, StopLoss: 1},
	models.ProfileAggressive:   {TakeProfit: 1.5, StopLoss: 0.75},
}

// DefaultsFor returns the global TP/SL table entry for a profile.
// Unknown profiles resolve to balanced.
func DefaultsFor(profile models.RiskProfile) ProfileDefaults {
	return globalDefaults[profile.Normalize()]
}

// GlobalParameters is the last tier of the resolution chain
func GlobalParameters(profile models.RiskProfile) models.RiskParameters {
	d := DefaultsFor(profile)
	return models.RiskParameters{
		TakeProfitPct: d.TakeProfitPct,
		StopLossPct:   d.StopLossPct,
		Provenance:    models.ProvenanceGlobal,
	}
}

// Clamp bounds TP to [0.3, 25] and SL to [-15, -0.2]. A positive SL is
// read as a loss magnitude.
func Clamp(tp, sl float64) (float64, float64) {
	tp = math.Abs(tp)
	if sl > 0 {
		sl = -sl
	}
	return math.Min(math.Max(tp, MinTakeProfitPct), MaxTakeProfitPct),
		math.Min(math.Max(sl, MinStopLossPct), MaxStopLossPct)
}

// attachDynamic derives trailing-stop and break-even configuration from TP
func attachDynamic(params *models.RiskParameters, sub *models.Subscription) {
	if sub.UseTrailing {
		params.Trailing = &models.TrailingStop{
			ActivationPct: params.TakeProfitPct * trailingActivationFactor,
			CallbackPct:   params.TakeProfitPct * trailingCallbackFactor,
		}
	}
	if sub.UseBreakEven {
		params.BreakEven = &models.BreakEven{
			ActivationPct: params.TakeProfitPct * breakEvenActivationFactor,
			OffsetPct:     breakEvenOffsetPct,
		}
	}
}
