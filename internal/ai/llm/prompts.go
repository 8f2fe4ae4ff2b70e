package llm

import (
	"fmt"
	"strings"
)

// SystemPromptRiskParameters asks for percentage TP/SL for a single entry
const SystemPromptRiskParameters = `You are a cryptocurrency risk manager. Given a new trade entry and the account context, recommend take-profit and stop-loss levels as percentages of the entry price.

Your response must be in valid JSON format with the following structure:
{
  "takeProfit": number,   // percent above entry for LONG (below for SHORT), e.g. 3.2
  "stopLoss": number,     // negative percent, e.g. -2.5
  "confidence": "low" | "medium" | "high",
  "reasoning": "brief explanation"
}

Keep takeProfit between 0.3 and 25 and stopLoss between -15 and -0.2.
Prefer wider stops for volatile symbols and tighter targets when recent performance is poor.`

// RiskPromptContext is the structured context sent with a risk request
type RiskPromptContext struct {
	Symbol        string
	Direction     string
	EntryPrice    float64
	SignalTarget  float64 // 0 when the signal carries no take profit
	SignalStop    float64 // 0 when the signal carries no stop loss
	RiskProfile   string
	Balance       float64
	QuoteCurrency string
	OpenPositions int
	RecentPnL     float64
	Trades        int
	WinRate       float64
	AvgWinPct     float64
	AvgLossPct    float64
}

// BuildRiskPrompt renders the user prompt for a risk recommendation
func BuildRiskPrompt(c RiskPromptContext) string {
	var sb strings.Builder

	sb.WriteString("## Trade\n")
	sb.WriteString(fmt.Sprintf("Symbol: %s\n", c.Symbol))
	sb.WriteString(fmt.Sprintf("Direction: %s\n", c.Direction))
	if c.EntryPrice > 0 {
		sb.WriteString(fmt.Sprintf("Entry price: %.8g\n", c.EntryPrice))
	} else {
		sb.WriteString("Entry price: market\n")
	}
	if c.SignalTarget > 0 {
		sb.WriteString(fmt.Sprintf("Signal take profit: %.8g\n", c.SignalTarget))
	}
	if c.SignalStop > 0 {
		sb.WriteString(fmt.Sprintf("Signal stop loss: %.8g\n", c.SignalStop))
	}
	sb.WriteString(fmt.Sprintf("Risk profile: %s\n", c.RiskProfile))

	sb.WriteString("\n## Account\n")
	sb.WriteString(fmt.Sprintf("Free balance: %.2f %s\n", c.Balance, c.QuoteCurrency))
	sb.WriteString(fmt.Sprintf("Open positions: %d\n", c.OpenPositions))
	sb.WriteString(fmt.Sprintf("Recent realized P&L: %.2f %s\n", c.RecentPnL, c.QuoteCurrency))

	sb.WriteString("\n## Symbol history\n")
	if c.Trades == 0 {
		sb.WriteString("No closed trades on this symbol yet.\n")
	} else {
		sb.WriteString(fmt.Sprintf("Closed trades: %d\n", c.Trades))
		sb.WriteString(fmt.Sprintf("Win rate: %.1f%%\n", c.WinRate*100))
		sb.WriteString(fmt.Sprintf("Average win: %.2f%%\n", c.AvgWinPct))
		sb.WriteString(fmt.Sprintf("Average loss: %.2f%%\n", c.AvgLossPct))
	}

	sb.WriteString("\nRespond with the JSON object only.")
	return sb.String()
}
