package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signal-executor/internal/models"
)

// uniqueViolation is the PostgreSQL error code for a unique index conflict
const uniqueViolation = "23505"

// Store is the persistence surface used by the execution pipeline. Both
// *Repository and *MemoryStore implement it.
type Store interface {
	ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	AddRealizedPnL(ctx context.Context, subscriptionID string, pnl float64) error

	CreatePosition(ctx context.Context, p *models.Position) error
	UpdatePosition(ctx context.Context, p *models.Position) error
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	ListActive(ctx context.Context) ([]*models.Position, error)
	ListMonitored(ctx context.Context) ([]*models.Position, error)
	CountActive(ctx context.Context, userID string) (int, error)

	InsertExecutionLog(ctx context.Context, entry *models.ExecutionLogEntry) error
	ListExecutionLogs(ctx context.Context, limit int) ([]*models.ExecutionLogEntry, error)

	SymbolPerformance(ctx context.Context, symbol string) (*models.SymbolPerformance, error)
	RecordTradeResult(ctx context.Context, symbol string, pnlPct, pnl float64) error

	GetExchangeCredential(ctx context.Context, userID, exchange string) (*models.ExchangeCredential, error)
	UpsertExchangeCredential(ctx context.Context, cred *models.ExchangeCredential) error

	HealthCheck(ctx context.Context) error
}

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

const subscriptionColumns = `
	id, user_id, exchange, account_type, symbols, all_pairs, strategy_id, sizing, risk_profile,
	use_ai, use_adaptive, use_trailing_stop, use_break_even, custom_take_profit, custom_stop_loss,
	auto_stop, cumulative_pnl, leverage, status, created_at, updated_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	sub := &models.Subscription{}
	var sizing, autoStop []byte
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Exchange, &sub.AccountType, &sub.Symbols, &sub.AllPairs, &sub.StrategyID,
		&sizing, &sub.RiskProfile, &sub.UseAI, &sub.UseAdaptive, &sub.UseTrailing, &sub.UseBreakEven,
		&sub.CustomTP, &sub.CustomSL, &autoStop, &sub.CumulativePnL, &sub.Leverage, &sub.Status,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(sizing) > 0 {
		if err := json.Unmarshal(sizing, &sub.Sizing); err != nil {
			return nil, fmt.Errorf("subscription %s: bad sizing: %w", sub.ID, err)
		}
	}
	if len(autoStop) > 0 {
		if err := json.Unmarshal(autoStop, &sub.AutoStop); err != nil {
			return nil, fmt.Errorf("subscription %s: bad auto_stop: %w", sub.ID, err)
		}
	}
	return sub, nil
}

// ListActiveSubscriptions returns every ACTIVE subscription
func (r *Repository) ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE status = 'ACTIVE' ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetSubscription retrieves a subscription by ID
func (r *Repository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	return sub, err
}

// AddRealizedPnL accumulates realized P&L for the auto-stop guard
func (r *Repository) AddRealizedPnL(ctx context.Context, subscriptionID string, pnl float64) error {
	query := `UPDATE subscriptions SET cumulative_pnl = cumulative_pnl + $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, subscriptionID, pnl)
	return err
}

// ============================================================================
// POSITIONS
// ============================================================================

const positionColumns = `
	id, user_id, subscription_id, signal_id, exchange, symbol, side, size, entry_price, current_price,
	stop_loss, take_profit, stop_loss_pct, take_profit_pct, provenance,
	trailing_activation_pct, trailing_callback_pct, break_even_activation_pct, break_even_offset_pct, break_even_applied,
	status, order_id, failure_reason, close_reason, realized_pnl, opened_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (*models.Position, error) {
	p := &models.Position{}
	err := row.Scan(
		&p.ID, &p.UserID, &p.SubscriptionID, &p.SignalID, &p.Exchange, &p.Symbol, &p.Side, &p.Size,
		&p.EntryPrice, &p.CurrentPrice, &p.StopLoss, &p.TakeProfit, &p.StopLossPct, &p.TakeProfitPct,
		&p.Provenance, &p.TrailingActivationPct, &p.TrailingCallbackPct, &p.BreakEvenActivationPct,
		&p.BreakEvenOffsetPct, &p.BreakEvenApplied, &p.Status, &p.OrderID, &p.FailureReason,
		&p.CloseReason, &p.RealizedPnL, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CreatePosition inserts a new position. A second non-terminal position for
// the same key returns ErrDuplicatePosition.
func (r *Repository) CreatePosition(ctx context.Context, p *models.Position) error {
	now := time.Now()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now

	query := `INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28)`
	_, err := r.db.Pool.Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", models.ErrDuplicatePosition, p.Key())
		}
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

// UpdatePosition overwrites every mutable column of a position
func (r *Repository) UpdatePosition(ctx context.Context, p *models.Position) error {
	p.UpdatedAt = time.Now()
	query := `
		UPDATE positions SET
			size = $2, entry_price = $3, current_price = $4, stop_loss = $5, take_profit = $6,
			stop_loss_pct = $7, break_even_applied = $8, status = $9, order_id = $10,
			failure_reason = $11, close_reason = $12, realized_pnl = $13, updated_at = $14, closed_at = $15
		WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, query,
		p.ID, p.Size, p.EntryPrice, p.CurrentPrice, p.StopLoss, p.TakeProfit,
		p.StopLossPct, p.BreakEvenApplied, p.Status, p.OrderID,
		p.FailureReason, p.CloseReason, p.RealizedPnL, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrPositionNotFound, p.ID)
	}
	return nil
}

// GetPosition retrieves a position by ID
func (r *Repository) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	p, err := scanPosition(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrPositionNotFound, id)
	}
	return p, err
}

// ListActive returns every OPEN or VIRTUAL position
func (r *Repository) ListActive(ctx context.Context) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE status IN ('OPEN', 'VIRTUAL') ORDER BY opened_at`
	return r.queryPositions(ctx, query)
}

// ListMonitored returns active positions with a take profit or stop loss
func (r *Repository) ListMonitored(ctx context.Context) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE status IN ('OPEN', 'VIRTUAL') AND (take_profit > 0 OR stop_loss > 0)
		ORDER BY opened_at`
	return r.queryPositions(ctx, query)
}

// CountActive counts a user's OPEN or VIRTUAL positions
func (r *Repository) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = $1 AND status IN ('OPEN', 'VIRTUAL')`,
		userID,
	).Scan(&n)
	return n, err
}

func positionArgs(p *models.Position) []interface{} {
	return []interface{}{
		p.ID, p.UserID, p.SubscriptionID, p.SignalID, p.Exchange, p.Symbol, p.Side, p.Size,
		p.EntryPrice, p.CurrentPrice, p.StopLoss, p.TakeProfit, p.StopLossPct, p.TakeProfitPct,
		p.Provenance, p.TrailingActivationPct, p.TrailingCallbackPct, p.BreakEvenActivationPct,
		p.BreakEvenOffsetPct, p.BreakEvenApplied, p.Status, p.OrderID, p.FailureReason,
		p.CloseReason, p.RealizedPnL, p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	}
}
