package dispatch

import (
	"strings"

	"signal-executor/internal/models"
	"signal-executor/internal/oracle"
)

// MatchNote qualifies a positive match
type MatchNote string

const (
	MatchExact            MatchNote = "exact"
	MatchAllPairs         MatchNote = "all_pairs"
	MatchStrategyMismatch MatchNote = "strategy_mismatch"
)

// Matches reports whether sub should act on sig. The subscription must be
// ACTIVE and cover the signal's pair. A strategy disagreement is reported
// through the note but does not block the match.
func Matches(sub *models.Subscription, sig *models.Signal) (bool, MatchNote) {
	if sub == nil || sig == nil || !sub.IsActive() {
		return false, ""
	}

	note := MatchExact
	if sub.AllPairs {
		note = MatchAllPairs
	} else if !coversSymbol(sub.Symbols, sig.Symbol) {
		return false, ""
	}

	if sub.StrategyID != "" && sig.StrategyID != "" && !strings.EqualFold(sub.StrategyID, sig.StrategyID) {
		note = MatchStrategyMismatch
	}
	return true, note
}

func coversSymbol(symbols []string, symbol string) bool {
	want := oracle.NormalizeSymbol(symbol)
	for _, s := range symbols {
		if oracle.NormalizeSymbol(s) == want {
			return true
		}
	}
	return false
}
