package models

import (
	"fmt"
	"time"
)

// Side of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing side
func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

// OrderSide maps a position side to the exchange order side that opens it
func (s Side) OrderSide() string {
	if s == SideShort {
		return "SELL"
	}
	return "BUY"
}

// PositionStatus values persisted with a position
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionVirtual PositionStatus = "VIRTUAL"
	PositionClosed  PositionStatus = "CLOSED"
	PositionFailed  PositionStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are expected
func (s PositionStatus) IsTerminal() bool {
	return s == PositionClosed || s == PositionFailed
}

// Provenance tags which tier of the resolver produced TP/SL
type Provenance string

const (
	ProvenanceCustom   Provenance = "custom"
	ProvenanceAI       Provenance = "ai"
	ProvenanceAdaptive Provenance = "adaptive"
	ProvenanceGlobal   Provenance = "global"
)

// TrailingStop config, percentages of entry
type TrailingStop struct {
	ActivationPct float64 `json:"activation_pct"`
	CallbackPct   float64 `json:"callback_pct"`
}

// BreakEven config, percentages of entry
type BreakEven struct {
	ActivationPct float64 `json:"activation_pct"`
	OffsetPct     float64 `json:"offset_pct"`
}

// RiskParameters are computed per execution and embedded into the Position
type RiskParameters struct {
	TakeProfitPct float64       `json:"take_profit_pct"`
	StopLossPct   float64       `json:"stop_loss_pct"` // negative = loss side
	Provenance    Provenance    `json:"provenance"`
	Trailing      *TrailingStop `json:"trailing,omitempty"`
	BreakEven     *BreakEven    `json:"break_even,omitempty"`
	Confidence    string        `json:"confidence,omitempty"`
	Fallback      bool          `json:"fallback,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
}

// PositionKey identifies the at-most-one non-terminal position slot
type PositionKey struct {
	UserID   string
	Exchange string
	Symbol   string
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.UserID, k.Exchange, k.Symbol)
}

// Position is created optimistically before the entry order is submitted
type Position struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	SubscriptionID string         `json:"subscription_id"`
	SignalID       string         `json:"signal_id"`
	Exchange       string         `json:"exchange"`
	Symbol         string         `json:"symbol"`
	Side           Side           `json:"side"`
	Size           float64        `json:"size"`
	EntryPrice     float64        `json:"entry_price"`
	CurrentPrice   float64        `json:"current_price"`
	StopLoss       float64        `json:"stop_loss"`
	TakeProfit     float64        `json:"take_profit"`
	StopLossPct    float64        `json:"stop_loss_pct"`
	TakeProfitPct  float64        `json:"take_profit_pct"`
	Provenance     Provenance     `json:"provenance"`

	TrailingActivationPct  float64 `json:"trailing_activation_pct"`
	TrailingCallbackPct    float64 `json:"trailing_callback_pct"`
	BreakEvenActivationPct float64 `json:"break_even_activation_pct"`
	BreakEvenOffsetPct     float64 `json:"break_even_offset_pct"`
	BreakEvenApplied       bool    `json:"break_even_applied"`

	Status        PositionStatus `json:"status"`
	OrderID       string         `json:"order_id,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CloseReason   string         `json:"close_reason,omitempty"`
	RealizedPnL   float64        `json:"realized_pnl"`
	OpenedAt      time.Time      `json:"opened_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
}

// Key returns the registry key for the position
func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, Exchange: p.Exchange, Symbol: p.Symbol}
}

// IsActive reports whether the position is monitored
func (p *Position) IsActive() bool {
	return p.Status == PositionOpen || p.Status == PositionVirtual
}

// HasTargets reports whether a TP or SL is set
func (p *Position) HasTargets() bool {
	return p.TakeProfit > 0 || p.StopLoss > 0
}

// ApplyRisk copies the dynamic-stop configuration from resolved parameters
func (p *Position) ApplyRisk(params RiskParameters) {
	p.TakeProfitPct = params.TakeProfitPct
	p.StopLossPct = params.StopLossPct
	p.Provenance = params.Provenance
	if params.Trailing != nil {
		p.TrailingActivationPct = params.Trailing.ActivationPct
		p.TrailingCallbackPct = params.Trailing.CallbackPct
	}
	if params.BreakEven != nil {
		p.BreakEvenActivationPct = params.BreakEven.ActivationPct
		p.BreakEvenOffsetPct = params.BreakEven.OffsetPct
	}
}

// RiskParameters reconstructs the dynamic-stop configuration stored on the position
func (p *Position) RiskParameters() RiskParameters {
	params := RiskParameters{
		TakeProfitPct: p.TakeProfitPct,
		StopLossPct:   p.StopLossPct,
		Provenance:    p.Provenance,
	}
	if p.TrailingActivationPct > 0 && p.TrailingCallbackPct > 0 {
		params.Trailing = &TrailingStop{ActivationPct: p.TrailingActivationPct, CallbackPct: p.TrailingCallbackPct}
	}
	if p.BreakEvenActivationPct > 0 {
		params.BreakEven = &BreakEven{ActivationPct: p.BreakEvenActivationPct, OffsetPct: p.BreakEvenOffsetPct}
	}
	return params
}

// PriceQuote is an aggregated, short-lived price observation
type PriceQuote struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	Sources     []string  `json:"sources"`
	SourceCount int       `json:"source_count"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
	Cached      bool      `json:"cached"`
}

// Execution statuses written to the execution log
const (
	ExecutionSuccess = "SUCCESS"
	ExecutionFailed  = "FAILED"
	ExecutionSkipped = "SKIPPED"
)

// ExecutionLogEntry records one execution attempt
type ExecutionLogEntry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id"`
	SignalID       string    `json:"signal_id"`
	Exchange       string    `json:"exchange"`
	Side           string    `json:"side"`
	Symbol         string    `json:"symbol"`
	Amount         float64   `json:"amount"`
	Price          float64   `json:"price"`
	OrderID        *string   `json:"order_id,omitempty"`
	Status         string    `json:"status"`
	Error          *string   `json:"error,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// SymbolPerformance is historical realized performance for adaptive TP/SL
type SymbolPerformance struct {
	Symbol     string  `json:"symbol"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	AvgWinPct  float64 `json:"avg_win_pct"`
	AvgLossPct float64 `json:"avg_loss_pct"` // positive magnitude
	TotalPnL   float64 `json:"total_pnl"`
}

// WinRate in [0,1]; zero when there are no trades
func (p *SymbolPerformance) WinRate() float64 {
	if p == nil || p.Trades == 0 {
		return 0
	}
	return float64(p.Wins) / float64(p.Trades)
}
