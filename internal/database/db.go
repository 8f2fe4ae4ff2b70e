package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"signal-executor/config"
	"signal-executor/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 25
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.WithComponent("database")
	logger.Info("Connected to PostgreSQL", "database", cfg.Database, "host", cfg.Host)

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("Running database migrations")

	migrations := []string{
		// Subscriptions are owned by the subscription-management service;
		// the executor only reads them and accumulates realized P&L.
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange VARCHAR(32) NOT NULL,
			account_type VARCHAR(16) NOT NULL DEFAULT 'spot',
			symbols TEXT[] NOT NULL DEFAULT '{}',
			all_pairs BOOLEAN NOT NULL DEFAULT FALSE,
			strategy_id TEXT NOT NULL DEFAULT '',
			sizing JSONB NOT NULL DEFAULT '{}',
			risk_profile VARCHAR(16) NOT NULL DEFAULT 'balanced',
			use_ai BOOLEAN NOT NULL DEFAULT FALSE,
			use_adaptive BOOLEAN NOT NULL DEFAULT FALSE,
			use_trailing_stop BOOLEAN NOT NULL DEFAULT FALSE,
			use_break_even BOOLEAN NOT NULL DEFAULT FALSE,
			custom_take_profit DOUBLE PRECISION,
			custom_stop_loss DOUBLE PRECISION,
			auto_stop JSONB NOT NULL DEFAULT '{}',
			cumulative_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			leverage INT NOT NULL DEFAULT 1,
			status VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			signal_id TEXT NOT NULL DEFAULT '',
			exchange VARCHAR(32) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			current_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			stop_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
			take_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
			stop_loss_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			take_profit_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			provenance VARCHAR(16) NOT NULL DEFAULT '',
			trailing_activation_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			trailing_callback_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			break_even_activation_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			break_even_offset_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			break_even_applied BOOLEAN NOT NULL DEFAULT FALSE,
			status VARCHAR(16) NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			close_reason TEXT NOT NULL DEFAULT '',
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id)`,
		// At most one non-terminal position per (user, exchange, symbol)
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_positions_active_key
			ON positions(user_id, exchange, symbol)
			WHERE status IN ('OPEN', 'VIRTUAL')`,

		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			exchange VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			order_id TEXT,
			status VARCHAR(16) NOT NULL,
			error TEXT,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_created_at ON execution_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_subscription ON execution_logs(subscription_id)`,

		`CREATE TABLE IF NOT EXISTS symbol_performance (
			symbol VARCHAR(32) PRIMARY KEY,
			trades INT NOT NULL DEFAULT 0,
			wins INT NOT NULL DEFAULT 0,
			losses INT NOT NULL DEFAULT 0,
			avg_win_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_loss_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS exchange_credentials (
			user_id TEXT NOT NULL,
			exchange VARCHAR(32) NOT NULL,
			encrypted_api_key TEXT NOT NULL,
			encrypted_secret_key TEXT NOT NULL,
			is_testnet BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, exchange)
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info("Database migrations completed", "count", len(migrations))
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
