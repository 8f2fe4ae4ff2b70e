package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"signal-executor/internal/models"
)

// ErrNoSizingPolicy is returned when a subscription sets no sizing option
var ErrNoSizingPolicy = errors.New("no sizing policy configured")

// SizingInput holds everything needed to size one entry order
type SizingInput struct {
	Policy       models.SizingPolicy
	FreeBalance  float64 // quote currency
	Price        float64
	StopLossPct  float64 // signed, used by the risk-percent policy
	LotSize      float64
	MinQty       float64
	SafetyMargin float64 // fraction of balance kept free, e.g. 0.005
}

// SizingResult is the chosen quantity and the policy that produced it
type SizingResult struct {
	Quantity float64
	Notional float64
	Method   string
	Capped   bool
}

// PositionSize applies the sizing policy in priority order: fixed amount,
// balance percent, then risk percent. The quantity is capped to the free
// balance minus the safety margin and floored to the lot size.
func PositionSize(in SizingInput) (*SizingResult, error) {
	if in.Price <= 0 || math.IsNaN(in.Price) {
		return nil, fmt.Errorf("invalid price %v", in.Price)
	}
	price := decimal.NewFromFloat(in.Price)
	balance := decimal.NewFromFloat(in.FreeBalance)

	var (
		qty    decimal.Decimal
		method string
	)
	switch p := in.Policy; {
	case p.FixedAmount > 0:
		method = "fixed"
		qty = decimal.NewFromFloat(p.FixedAmount).Div(price)
	case p.BalancePercent > 0:
		method = "balance_percent"
		qty = balance.Mul(decimal.NewFromFloat(p.BalancePercent)).Div(hundred).Div(price)
	case p.RiskPercent > 0:
		method = "risk_percent"
		stopDistance := math.Abs(in.StopLossPct)
		if stopDistance == 0 {
			return nil, fmt.Errorf("risk-percent sizing needs a stop loss")
		}
		riskAmount := balance.Mul(decimal.NewFromFloat(p.RiskPercent)).Div(hundred)
		riskPerUnit := price.Mul(decimal.NewFromFloat(stopDistance)).Div(hundred)
		qty = riskAmount.Div(riskPerUnit)
	default:
		return nil, ErrNoSizingPolicy
	}

	res := &SizingResult{Method: method}

	margin := decimal.NewFromFloat(in.SafetyMargin)
	maxQty := balance.Mul(decimal.NewFromInt(1).Sub(margin)).Div(price)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
		res.Capped = true
	}

	if in.LotSize > 0 {
		lot := decimal.NewFromFloat(in.LotSize)
		qty = qty.Div(lot).Floor().Mul(lot)
	}

	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: computed size is zero at price %v", models.ErrInsufficientBalance, in.Price)
	}
	if in.MinQty > 0 && qty.LessThan(decimal.NewFromFloat(in.MinQty)) {
		return nil, fmt.Errorf("%w: size %s below minimum %v", models.ErrInsufficientBalance, qty.String(), in.MinQty)
	}

	res.Quantity = qty.InexactFloat64()
	res.Notional = qty.Mul(price).InexactFloat64()
	return res, nil
}
