package oracle

import (
	"sort"
	"strings"

	"signal-executor/internal/exchange"
)

// DefaultQuote is appended when a symbol carries no known quote currency
const DefaultQuote = exchange.DefaultQuote

var perpSuffixes = []string{":USDT", "-SWAP", ".P", "PERP"}

// NormalizeSymbol converts pair notations like "btc/usdt", "BTC-USDT-SWAP",
// "BTCUSDT.P" or "BTC" into the exchange form "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}

	for _, suffix := range perpSuffixes {
		s = strings.TrimSuffix(s, suffix)
	}

	s = strings.NewReplacer("/", "", "-", "", "_", "", ":", "", " ", "").Replace(s)

	// A trailing PERP may be exposed only after separators are gone ("BTC-USDT-PERP")
	s = strings.TrimSuffix(s, "PERP")

	if !hasQuote(s) {
		s += DefaultQuote
	}
	return s
}

func hasQuote(s string) bool {
	for _, q := range exchange.KnownQuotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return true
		}
	}
	return false
}

// Median of the values; the mean of the middle pair for even counts
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Confidence grows with the number of agreeing sources:
// one source 0.5, two 0.7, three or more 0.9.
func Confidence(sourceCount int) float64 {
	if sourceCount <= 0 {
		return 0
	}
	c := 0.5 + 0.2*float64(sourceCount-1)
	if c > 0.9 {
		return 0.9
	}
	return c
}
