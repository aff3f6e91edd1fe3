// Package database wraps the PostgreSQL store: connection pool, schema
// migrations, and repositories for ranking snapshots, the symbol filter
// cache, and async backtest tasks.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection.
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
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
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// One row per period instant; upsert replaces the whole document.
		`CREATE TABLE IF NOT EXISTS ranking_snapshots (
			timestamp TIMESTAMPTZ PRIMARY KEY,
			hour SMALLINT NOT NULL,
			rankings JSONB NOT NULL DEFAULT '[]',
			removed_symbols JSONB NOT NULL DEFAULT '[]',
			total_market_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_market_quote_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
			top_market_concentration DOUBLE PRECISION NOT NULL DEFAULT 0,
			btc_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			btc_price_change_24h DOUBLE PRECISION NOT NULL DEFAULT 0,
			btcdom_price DOUBLE PRECISION,
			btcdom_price_change_24h DOUBLE PRECISION,
			calculation_duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ranking_snapshots_created_at ON ranking_snapshots(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ranking_snapshots_rankings_symbol ON ranking_snapshots USING GIN (rankings jsonb_path_ops)`,

		// Content-addressed eligibility filter results.
		`CREATE TABLE IF NOT EXISTS symbol_filter_cache (
			filter_hash TEXT PRIMARY KEY,
			criteria JSONB NOT NULL,
			valid_symbols JSONB NOT NULL DEFAULT '[]',
			invalid_symbols JSONB NOT NULL DEFAULT '[]',
			invalid_reasons JSONB NOT NULL DEFAULT '{}',
			statistics JSONB NOT NULL DEFAULT '{}',
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			hit_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbol_filter_cache_created_at ON symbol_filter_cache(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_symbol_filter_cache_last_used_at ON symbol_filter_cache(last_used_at)`,

		// Async backtest tasks with crash-recovery checkpoints.
		`CREATE TABLE IF NOT EXISTS backtest_tasks (
			task_id TEXT PRIMARY KEY,
			status VARCHAR(20) NOT NULL,
			params JSONB NOT NULL,
			checkpoint_time TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_tasks_status ON backtest_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_tasks_created_at ON backtest_tasks(created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}

// HealthCheck performs a database health check.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Repository provides access to all persisted collections.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the given connection.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}
