package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/screentime-engine/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an already opened pool
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Screen-time policies, one row per scope attachment
		CREATE TABLE IF NOT EXISTS screen_time_policies (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			scope VARCHAR(20) NOT NULL,
			scope_id UUID NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			daily_limit_minutes INTEGER NOT NULL,
			session_limit_minutes INTEGER NOT NULL,
			break_after_minutes INTEGER NOT NULL,
			break_duration_minutes INTEGER NOT NULL,
			schedule JSONB NOT NULL,
			enforcement_level VARCHAR(20) NOT NULL,
			warning_thresholds INTEGER[] NOT NULL DEFAULT '{}',
			exempt_activity_types TEXT[] NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Learner scope memberships
		CREATE TABLE IF NOT EXISTS learner_memberships (
			tenant_id UUID NOT NULL,
			learner_id UUID NOT NULL,
			school_ids TEXT[] NOT NULL DEFAULT '{}',
			class_ids TEXT[] NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, learner_id)
		);

		-- Parent overrides
		CREATE TABLE IF NOT EXISTS parent_overrides (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			learner_id UUID NOT NULL,
			parent_id UUID NOT NULL,
			override_type VARCHAR(30) NOT NULL,
			additional_minutes INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			used_minutes INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Append-only event log
		CREATE TABLE IF NOT EXISTS screen_time_events (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			learner_id UUID,
			event_type VARCHAR(40) NOT NULL,
			session_id VARCHAR(255) NOT NULL DEFAULT '',
			details JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Per-learner, per-day usage ledger
		CREATE TABLE IF NOT EXISTS learner_usage (
			tenant_id UUID NOT NULL,
			learner_id UUID NOT NULL,
			usage_date DATE NOT NULL,
			daily_used_minutes INTEGER NOT NULL DEFAULT 0,
			current_session_minutes INTEGER NOT NULL DEFAULT 0,
			last_break_at TIMESTAMPTZ,
			break_active BOOLEAN NOT NULL DEFAULT false,
			breaks_taken_today INTEGER NOT NULL DEFAULT 0,
			active_warnings JSONB NOT NULL DEFAULT '[]',
			fired_thresholds JSONB NOT NULL DEFAULT '[]',
			active_enforcement JSONB,
			session_id VARCHAR(255) NOT NULL DEFAULT '',
			last_activity_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			last_increment_minutes INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, learner_id, usage_date)
		);

		-- Indexes for performance
		CREATE INDEX IF NOT EXISTS idx_policies_tenant_scope ON screen_time_policies(tenant_id, scope, scope_id);
		CREATE INDEX IF NOT EXISTS idx_policies_enabled ON screen_time_policies(enabled);

		CREATE INDEX IF NOT EXISTS idx_overrides_learner ON parent_overrides(tenant_id, learner_id, expires_at);
		CREATE INDEX IF NOT EXISTS idx_overrides_expires_at ON parent_overrides(expires_at);

		CREATE INDEX IF NOT EXISTS idx_events_learner ON screen_time_events(tenant_id, learner_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_type ON screen_time_events(event_type);

		CREATE INDEX IF NOT EXISTS idx_usage_date_activity ON learner_usage(usage_date, last_activity_at);
		CREATE INDEX IF NOT EXISTS idx_usage_expires_at ON learner_usage(expires_at);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
