package risk

import (
	"context"
	"errors"
	"fmt"

	"signal-executor/internal/exchange"
	"signal-executor/internal/models"
)

// RiskContext is the account and history snapshot sent to the AI service
type RiskContext struct {
	Balance       float64
	QuoteCurrency string
	OpenPositions int
	RecentPnL     float64
	Performance   *models.SymbolPerformance
}

// ContextProvider gathers a RiskContext. It may return a partial context
// together with an error.
type ContextProvider interface {
	RiskContext(ctx context.Context, sub *models.Subscription, symbol string) (*RiskContext, error)
}

// BalanceSource reads the free quote balance of a subscription's account
// for a symbol, e.g. *executor.Executor
type BalanceSource interface {
	FreeBalance(ctx context.Context, sub *models.Subscription, symbol string) (float64, error)
	QuoteAsset(ctx context.Context, sub *models.Subscription, symbol string) string
}

// OpenPositionCounter counts a user's non-terminal positions
type OpenPositionCounter interface {
	CountActive(ctx context.Context, userID string) (int, error)
}

// AccountContextProvider assembles a RiskContext from the exchange account,
// the position store and symbol history. Nil collaborators are skipped.
type AccountContextProvider struct {
	Balances    BalanceSource
	Positions   OpenPositionCounter
	Performance PerformanceStore
}

// RiskContext implements ContextProvider
func (p *AccountContextProvider) RiskContext(ctx context.Context, sub *models.Subscription, symbol string) (*RiskContext, error) {
	_, quote := exchange.SplitSymbol(symbol)
	rc := &RiskContext{RecentPnL: sub.CumulativePnL, QuoteCurrency: quote}
	var errs []error

	if p.Balances != nil {
		rc.QuoteCurrency = p.Balances.QuoteAsset(ctx, sub, symbol)
		balance, err := p.Balances.FreeBalance(ctx, sub, symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("balance: %w", err))
		}
		rc.Balance = balance
	}
	if p.Positions != nil {
		n, err := p.Positions.CountActive(ctx, sub.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("open positions: %w", err))
		}
		rc.OpenPositions = n
	}
	if p.Performance != nil {
		perf, err := p.Performance.SymbolPerformance(ctx, symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("performance: %w", err))
		}
		rc.Performance = perf
	}

	return rc, errors.Join(errs...)
}
