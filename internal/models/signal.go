package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Direction is the trade intent carried by a signal
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionClose Direction = "CLOSE"
	DirectionExit  Direction = "EXIT"
)

// AccountType distinguishes spot accounts from derivative (futures) accounts
type AccountType string

const (
	AccountSpot    AccountType = "spot"
	AccountFutures AccountType = "futures"
)

// IsDerivative reports whether short positions can be opened on this account
func (a AccountType) IsDerivative() bool {
	return a == AccountFutures
}

// Signal is an immutable trade signal produced upstream
type Signal struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"pair"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	StrategyID string    `json:"strategyId,omitempty"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate rejects malformed payloads before they reach the execution pipeline
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSignal)
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: missing pair", ErrInvalidSignal)
	}

	s.Direction = Direction(strings.ToUpper(strings.TrimSpace(string(s.Direction))))
	switch s.Direction {
	case DirectionLong, DirectionShort, DirectionClose, DirectionExit:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidSignal, s.Direction)
	}

	if !finite(s.EntryPrice) {
		return fmt.Errorf("%w: entry price is not a finite number", ErrInvalidSignal)
	}
	if s.IsEntryCandidate() && s.EntryPrice < 0 {
		return fmt.Errorf("%w: negative entry price", ErrInvalidSignal)
	}
	if s.TakeProfit != nil && (!finite(*s.TakeProfit) || *s.TakeProfit < 0) {
		return fmt.Errorf("%w: invalid take profit", ErrInvalidSignal)
	}
	if s.StopLoss != nil && (!finite(*s.StopLoss) || *s.StopLoss < 0) {
		return fmt.Errorf("%w: invalid stop loss", ErrInvalidSignal)
	}

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return nil
}

// IsEntryCandidate is true for directional signals. Whether a SHORT opens or
// closes depends on the account, see IsExit.
func (s *Signal) IsEntryCandidate() bool {
	return s.Direction == DirectionLong || s.Direction == DirectionShort
}

// IsExit reports whether the signal closes an existing position for the given account.
// A SHORT on a non-derivative account means "close the long".
func (s *Signal) IsExit(account AccountType) bool {
	switch s.Direction {
	case DirectionClose, DirectionExit:
		return true
	case DirectionShort:
		return !account.IsDerivative()
	default:
		return false
	}
}

// EntrySide maps the signal direction to a position side
func (s *Signal) EntrySide() Side {
	if s.Direction == DirectionShort {
		return SideShort
	}
	return SideLong
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
