package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-executor/internal/models"
)

// ============================================================================
// EXECUTION LOGS
// ============================================================================

// InsertExecutionLog appends one execution attempt
func (r *Repository) InsertExecutionLog(ctx context.Context, entry *models.ExecutionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO execution_logs (
			id, user_id, subscription_id, signal_id, exchange, side, symbol,
			amount, price, order_id, status, error, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.db.Pool.Exec(ctx, query,
		entry.ID, entry.UserID, entry.SubscriptionID, entry.SignalID, entry.Exchange, entry.Side, entry.Symbol,
		entry.Amount, entry.Price, entry.OrderID, entry.Status, entry.Error, entry.LatencyMs, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns the most recent entries, newest first
func (r *Repository) ListExecutionLogs(ctx context.Context, limit int) ([]*models.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, subscription_id, signal_id, exchange, side, symbol,
		       amount, price, order_id, status, error, latency_ms, created_at
		FROM execution_logs
		ORDER BY created_at DESC
		LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ExecutionLogEntry
	for rows.Next() {
		e := &models.ExecutionLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.SubscriptionID, &e.SignalID, &e.Exchange, &e.Side, &e.Symbol,
			&e.Amount, &e.Price, &e.OrderID, &e.Status, &e.Error, &e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ============================================================================
// SYMBOL PERFORMANCE
// ============================================================================

// SymbolPerformance returns realized history for a symbol, or nil when the
// symbol has never closed a trade.
func (r *Repository) SymbolPerformance(ctx context.Context, symbol string) (*models.SymbolPerformance, error) {
	perf := &models.SymbolPerformance{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT symbol, trades, wins, losses, avg_win_pct, avg_loss_pct, total_pnl
		FROM symbol_performance WHERE symbol = $1`, symbol,
	).Scan(&perf.Symbol, &perf.Trades, &perf.Wins, &perf.Losses, &perf.AvgWinPct, &perf.AvgLossPct, &perf.TotalPnL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get performance for %s: %w", symbol, err)
	}
	return perf, nil
}

// RecordTradeResult folds one closed trade into the symbol's running averages.
// pnlPct is signed; losses are stored as a positive magnitude.
func (r *Repository) RecordTradeResult(ctx context.Context, symbol string, pnlPct, pnl float64) error {
	win, loss := 0, 0
	winPct, lossPct := 0.0, 0.0
	if pnlPct > 0 {
		win, winPct = 1, pnlPct
	} else {
		loss, lossPct = 1, -pnlPct
	}

	query := `
		INSERT INTO symbol_performance (symbol, trades, wins, losses, avg_win_pct, avg_loss_pct, total_pnl, updated_at)
		VALUES ($1, 1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			trades = symbol_performance.trades + 1,
			wins = symbol_performance.wins + EXCLUDED.wins,
			losses = symbol_performance.losses + EXCLUDED.losses,
			avg_win_pct = CASE WHEN EXCLUDED.wins = 0 THEN symbol_performance.avg_win_pct
				ELSE (symbol_performance.avg_win_pct * symbol_performance.wins + EXCLUDED.avg_win_pct)
					/ (symbol_performance.wins + 1) END,
			avg_loss_pct = CASE WHEN EXCLUDED.losses = 0 THEN symbol_performance.avg_loss_pct
				ELSE (symbol_performance.avg_loss_pct * symbol_performance.losses + EXCLUDED.avg_loss_pct)
					/ (symbol_performance.losses + 1) END,
			total_pnl = symbol_performance.total_pnl + EXCLUDED.total_pnl,
			updated_at = NOW()`
	if _, err := r.db.Pool.Exec(ctx, query, symbol, win, loss, winPct, lossPct, pnl); err != nil {
		return fmt.Errorf("failed to record trade result for %s: %w", symbol, err)
	}
	return nil
}

// ============================================================================
// EXCHANGE CREDENTIALS
// ============================================================================

// GetExchangeCredential returns the encrypted key pair for a user's exchange account
func (r *Repository) GetExchangeCredential(ctx context.Context, userID, exchange string) (*models.ExchangeCredential, error) {
	cred := &models.ExchangeCredential{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT user_id, exchange, encrypted_api_key, encrypted_secret_key, is_testnet, is_active, updated_at
		FROM exchange_credentials WHERE user_id = $1 AND exchange = $2`, userID, exchange,
	).Scan(&cred.UserID, &cred.Exchange, &cred.EncryptedAPIKey, &cred.EncryptedSecretKey,
		&cred.IsTestnet, &cred.IsActive, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange credential: %w", err)
	}
	return cred, nil
}

// UpsertExchangeCredential stores or replaces a user's exchange key pair
func (r *Repository) UpsertExchangeCredential(ctx context.Context, cred *models.ExchangeCredential) error {
	cred.UpdatedAt = time.Now()
	query := `
		INSERT INTO exchange_credentials (user_id, exchange, encrypted_api_key, encrypted_secret_key, is_testnet, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, exchange) DO UPDATE SET
			encrypted_api_key = EXCLUDED.encrypted_api_key,
			encrypted_secret_key = EXCLUDED.encrypted_secret_key,
			is_testnet = EXCLUDED.is_testnet,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`
	_, err := r.db.Pool.Exec(ctx, query,
		cred.UserID, cred.Exchange, cred.EncryptedAPIKey, cred.EncryptedSecretKey,
		cred.IsTestnet, cred.IsActive, cred.UpdatedAt,
	)
	return err
}
