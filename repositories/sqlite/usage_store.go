// Package sqlite provides the embedded key-value tier for the usage ledger.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"go.uber.org/zap"
)

const usageColumns = `tenant_id, learner_id, usage_date, daily_used_minutes, current_session_minutes,
	last_break_at, break_active, breaks_taken_today, active_warnings, fired_thresholds,
	active_enforcement, session_id, last_activity_at, version, expires_at`

// UsageStore implements repositories.UsageStore on SQLite. Timestamps are
// stored as unix nanoseconds so range predicates compare integers.
type UsageStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database at path and migrates it
func New(path string, logger *zap.Logger) (*UsageStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer keeps upserts serialized without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	store := &UsageStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("sqlite usage store opened", zap.String("path", path))
	return store, nil
}

// migrate creates the database schema
func (s *UsageStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS learner_usage (
			tenant_id TEXT NOT NULL,
			learner_id TEXT NOT NULL,
			usage_date TEXT NOT NULL,
			daily_used_minutes INTEGER NOT NULL DEFAULT 0,
			current_session_minutes INTEGER NOT NULL DEFAULT 0,
			last_break_at INTEGER,
			break_active INTEGER NOT NULL DEFAULT 0,
			breaks_taken_today INTEGER NOT NULL DEFAULT 0,
			active_warnings TEXT NOT NULL DEFAULT '[]',
			fired_thresholds TEXT NOT NULL DEFAULT '[]',
			active_enforcement TEXT,
			session_id TEXT NOT NULL DEFAULT '',
			last_activity_at INTEGER,
			version INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL,
			last_increment_minutes INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, learner_id, usage_date)
		);

		CREATE INDEX IF NOT EXISTS idx_usage_date_activity ON learner_usage(usage_date, last_activity_at);
		CREATE INDEX IF NOT EXISTS idx_usage_expires_at ON learner_usage(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves a record
func (s *UsageStore) Get(ctx context.Context, key models.UsageKey) (*models.LearnerUsageState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+usageColumns+`
		FROM learner_usage
		WHERE tenant_id = ? AND learner_id = ? AND usage_date = ?
	`, key.TenantID.String(), key.LearnerID.String(), key.Date)

	state, err := scanUsage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return state, nil
}

// Increment atomically adds delta to both counters, up to ceiling. The applied
// amount is computed from the pre-update row inside the upsert and returned
// through last_increment_minutes. SET expressions all read the pre-update row.
func (s *UsageStore) Increment(ctx context.Context, key models.UsageKey, delta int, ceiling repositories.Ceiling, now, expiresAt time.Time) (*models.LearnerUsageState, int, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO learner_usage (
			tenant_id, learner_id, usage_date, daily_used_minutes, current_session_minutes,
			last_increment_minutes, last_activity_at, version, expires_at
		) VALUES (?1, ?2, ?3, MAX(MIN(?4, ?5, ?8), 0), MAX(MIN(?4, ?5, ?8), 0), MAX(MIN(?4, ?5, ?8), 0), ?6, 1, ?7)
		ON CONFLICT(tenant_id, learner_id, usage_date) DO UPDATE SET
			last_increment_minutes = MAX(MIN(?4, ?5 - daily_used_minutes, ?8 - current_session_minutes), 0),
			daily_used_minutes = daily_used_minutes +
				MAX(MIN(?4, ?5 - daily_used_minutes, ?8 - current_session_minutes), 0),
			current_session_minutes = current_session_minutes +
				MAX(MIN(?4, ?5 - daily_used_minutes, ?8 - current_session_minutes), 0),
			last_activity_at = excluded.last_activity_at,
			version = version + 1
		RETURNING `+usageColumns+`, last_increment_minutes`,
		key.TenantID.String(), key.LearnerID.String(), key.Date,
		delta, ceiling.Daily, now.UnixNano(), expiresAt.UnixNano(), ceiling.Session)

	var applied int
	state, err := scanUsage(row, &applied)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return state, applied, nil
}

// CompareAndSwap stores state when the persisted version matches
func (s *UsageStore) CompareAndSwap(ctx context.Context, state *models.LearnerUsageState) error {
	docs, err := repositories.EncodeUsageDocuments(state)
	if err != nil {
		return err
	}

	var result sql.Result
	if state.Version == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO learner_usage (`+usageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(tenant_id, learner_id, usage_date) DO NOTHING
		`,
			state.TenantID.String(), state.LearnerID.String(), state.Date,
			state.DailyUsedMinutes, state.CurrentSessionMinutes,
			nanos(state.LastBreakAt), state.BreakActive, state.BreaksTakenToday,
			string(docs.Warnings), string(docs.Thresholds), textOrNull(docs.Enforcement),
			state.SessionID, nanos(state.LastActivityAt), state.ExpiresAt.UnixNano(),
		)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE learner_usage
			SET daily_used_minutes = ?, current_session_minutes = ?, last_break_at = ?,
			    break_active = ?, breaks_taken_today = ?, active_warnings = ?,
			    fired_thresholds = ?, active_enforcement = ?, session_id = ?,
			    last_activity_at = ?, expires_at = ?, version = version + 1
			WHERE tenant_id = ? AND learner_id = ? AND usage_date = ? AND version = ?
		`,
			state.DailyUsedMinutes, state.CurrentSessionMinutes, nanos(state.LastBreakAt),
			state.BreakActive, state.BreaksTakenToday, string(docs.Warnings),
			string(docs.Thresholds), textOrNull(docs.Enforcement), state.SessionID,
			nanos(state.LastActivityAt), state.ExpiresAt.UnixNano(),
			state.TenantID.String(), state.LearnerID.String(), state.Date, state.Version,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to store usage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repositories.ErrVersionConflict
	}
	state.Version++
	return nil
}

// ListActiveSince retrieves records of a date with activity at or after since
func (s *UsageStore) ListActiveSince(ctx context.Context, date string, since time.Time) ([]*models.LearnerUsageState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageColumns+`
		FROM learner_usage
		WHERE usage_date = ? AND last_activity_at >= ?
	`, date, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query active usage: %w", err)
	}
	defer rows.Close()

	var states []*models.LearnerUsageState
	for rows.Next() {
		state, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// PurgeExpired removes records whose expiry is before now
func (s *UsageStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM learner_usage WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage: %w", err)
	}
	return result.RowsAffected()
}

// Ping verifies the database is reachable
func (s *UsageStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *UsageStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUsage(row rowScanner, extra ...interface{}) (*models.LearnerUsageState, error) {
	state := &models.LearnerUsageState{}
	var tenantID, learnerID string
	var lastBreakAt, lastActivityAt sql.NullInt64
	var enforcement sql.NullString
	var warnings, thresholds string
	var expiresAt int64

	dest := []interface{}{
		&tenantID,
		&learnerID,
		&state.Date,
		&state.DailyUsedMinutes,
		&state.CurrentSessionMinutes,
		&lastBreakAt,
		&state.BreakActive,
		&state.BreaksTakenToday,
		&warnings,
		&thresholds,
		&enforcement,
		&state.SessionID,
		&lastActivityAt,
		&state.Version,
		&expiresAt,
	}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}

	if state.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	if state.LearnerID, err = uuid.Parse(learnerID); err != nil {
		return nil, fmt.Errorf("invalid learner id: %w", err)
	}
	state.LastBreakAt = fromNanos(lastBreakAt)
	state.LastActivityAt = fromNanos(lastActivityAt)
	state.ExpiresAt = time.Unix(0, expiresAt).UTC()

	docs := repositories.UsageDocuments{Warnings: []byte(warnings), Thresholds: []byte(thresholds)}
	if enforcement.Valid {
		docs.Enforcement = []byte(enforcement.String)
	}
	if err := repositories.DecodeUsageDocuments(state, docs); err != nil {
		return nil, err
	}
	return state, nil
}

func nanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func textOrNull(doc []byte) interface{} {
	if doc == nil {
		return nil
	}
	return string(doc)
}
