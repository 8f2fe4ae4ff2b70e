package risk

import (
	"context"
	"math"

	"signal-executor/internal/logging"
	"signal-executor/internal/models"
)

// Resolver produces TP/SL for an entry. The first applicable tier wins:
// custom, ai, adaptive, global.
type Resolver struct {
	advisor  *AIAdvisor
	adaptive *Adaptive
	logger   *logging.Logger
}

// NewResolver creates a resolver. A nil advisor disables the AI tier; a nil
// adaptive tier falls back to profile defaults.
func NewResolver(advisor *AIAdvisor, adaptive *Adaptive, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	if adaptive == nil {
		adaptive = NewAdaptive(nil, DefaultMinAdaptiveTrades, logger)
	}
	return &Resolver{
		advisor:  advisor,
		adaptive: adaptive,
		logger:   logger.WithComponent("risk"),
	}
}

// Resolve never fails. Trailing and break-even configuration is attached
// from the final TP whatever tier produced it.
func (r *Resolver) Resolve(ctx context.Context, symbol string, sub *models.Subscription, signal *models.Signal) models.RiskParameters {
	var params models.RiskParameters

	switch {
	case sub.CustomTP != nil && sub.CustomSL != nil:
		params = models.RiskParameters{
			TakeProfitPct: math.Abs(*sub.CustomTP),
			StopLossPct:   -math.Abs(*sub.CustomSL),
			Provenance:    models.ProvenanceCustom,
		}
	case sub.UseAI && r.advisor != nil:
		params = r.advisor.Recommend(ctx, symbol, sub, signal)
	case sub.UseAdaptive:
		params = r.adaptive.Recommend(ctx, symbol, sub.RiskProfile)
	default:
		params = GlobalParameters(sub.RiskProfile)
	}

	attachDynamic(&params, sub)

	r.logger.Debug("Resolved risk parameters",
		"symbol", symbol,
		"subscription_id", sub.ID,
		"provenance", params.Provenance,
		"take_profit_pct", params.TakeProfitPct,
		"stop_loss_pct", params.StopLossPct,
		"fallback", params.Fallback)
	return params
}
