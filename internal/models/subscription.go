package models

import (
	"strings"
	"time"
)

// SubscriptionStatus is owned by the subscription-management collaborator
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionPaused    SubscriptionStatus = "PAUSED"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// RiskProfile selects multipliers and default TP/SL tables
type RiskProfile string

const (
	ProfileConservative RiskProfile = "conservative"
	ProfileBalanced     RiskProfile = "balanced"
	ProfileAggressive   RiskProfile = "aggressive"
)

// Normalize maps unknown or empty profiles to balanced
func (p RiskProfile) Normalize() RiskProfile {
	switch RiskProfile(strings.ToLower(string(p))) {
	case ProfileConservative:
		return ProfileConservative
	case ProfileAggressive:
		return ProfileAggressive
	default:
		return ProfileBalanced
	}
}

// SizingPolicy holds mutually exclusive sizing options, applied in field order
type SizingPolicy struct {
	FixedAmount    float64 `json:"fixed_amount"`    // quote currency per trade
	BalancePercent float64 `json:"balance_percent"` // percent of free quote balance
	RiskPercent    float64 `json:"risk_percent"`    // legacy: percent of balance risked to the stop
}

// AutoStop thresholds on cumulative realized P&L, in quote currency.
// Zero disables the corresponding side.
type AutoStop struct {
	ProfitLimit float64 `json:"profit_limit"`
	LossLimit   float64 `json:"loss_limit"`
}

// Triggered reports whether cumulative P&L has crossed either threshold
func (a AutoStop) Triggered(cumulativePnL float64) bool {
	if a.ProfitLimit > 0 && cumulativePnL >= a.ProfitLimit {
		return true
	}
	if a.LossLimit > 0 && cumulativePnL <= -a.LossLimit {
		return true
	}
	return false
}

// Subscription binds a user and exchange account to a signal stream.
// Read-only to the execution pipeline apart from CumulativePnL.
type Subscription struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	Exchange      string             `json:"exchange"`
	AccountType   AccountType        `json:"account_type"`
	Symbols       []string           `json:"symbols"`
	AllPairs      bool               `json:"all_pairs"`
	StrategyID    string             `json:"strategy_id"`
	Sizing        SizingPolicy       `json:"sizing"`
	RiskProfile   RiskProfile        `json:"risk_profile"`
	UseAI         bool               `json:"use_ai"`
	UseAdaptive   bool               `json:"use_adaptive"`
	UseTrailing   bool               `json:"use_trailing_stop"`
	UseBreakEven  bool               `json:"use_break_even"`
	CustomTP      *float64           `json:"custom_take_profit,omitempty"`
	CustomSL      *float64           `json:"custom_stop_loss,omitempty"`
	AutoStop      AutoStop           `json:"auto_stop"`
	CumulativePnL float64            `json:"cumulative_pnl"`
	Leverage      int                `json:"leverage"`
	Status        SubscriptionStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// IsActive reports whether the subscription accepts signals
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}
