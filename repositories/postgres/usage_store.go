package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"go.uber.org/zap"
)

const usageColumns = `tenant_id, learner_id, usage_date, daily_used_minutes, current_session_minutes,
		       last_break_at, break_active, breaks_taken_today, active_warnings, fired_thresholds,
		       active_enforcement, session_id, last_activity_at, version, expires_at`

// UsageStore implements repositories.UsageStore on PostgreSQL. Increments use a
// single upsert with RETURNING so the caller gets the counters of its own write.
type UsageStore struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageStore creates a new PostgreSQL usage store
func NewUsageStore(db *DB, logger *zap.Logger) repositories.UsageStore {
	return &UsageStore{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a record
func (s *UsageStore) Get(ctx context.Context, key models.UsageKey) (*models.LearnerUsageState, error) {
	query := `
		SELECT ` + usageColumns + `
		FROM learner_usage
		WHERE tenant_id = $1 AND learner_id = $2 AND usage_date = $3
	`

	executor := querier(ctx, s.db)
	state, err := scanUsage(executor.QueryRowContext(ctx, query, key.TenantID, key.LearnerID, key.Date))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return state, nil
}

// Increment atomically adds delta to both counters, up to ceiling. SET
// expressions read the pre-update row, so the applied amount returned through
// last_increment_minutes belongs to this write alone.
func (s *UsageStore) Increment(ctx context.Context, key models.UsageKey, delta int, ceiling repositories.Ceiling, now, expiresAt time.Time) (*models.LearnerUsageState, int, error) {
	query := `
		INSERT INTO learner_usage (
			tenant_id, learner_id, usage_date, daily_used_minutes, current_session_minutes,
			last_increment_minutes, last_activity_at, version, expires_at
		) VALUES (
			$1, $2, $3,
			GREATEST(LEAST($4::integer, $5::integer, $8::integer), 0),
			GREATEST(LEAST($4::integer, $5::integer, $8::integer), 0),
			GREATEST(LEAST($4::integer, $5::integer, $8::integer), 0),
			$6, 1, $7
		)
		ON CONFLICT (tenant_id, learner_id, usage_date)
		DO UPDATE SET
			last_increment_minutes = GREATEST(LEAST($4::integer,
				$5::integer - learner_usage.daily_used_minutes,
				$8::integer - learner_usage.current_session_minutes), 0),
			daily_used_minutes = learner_usage.daily_used_minutes + GREATEST(LEAST($4::integer,
				$5::integer - learner_usage.daily_used_minutes,
				$8::integer - learner_usage.current_session_minutes), 0),
			current_session_minutes = learner_usage.current_session_minutes + GREATEST(LEAST($4::integer,
				$5::integer - learner_usage.daily_used_minutes,
				$8::integer - learner_usage.current_session_minutes), 0),
			last_activity_at = EXCLUDED.last_activity_at,
			version = learner_usage.version + 1
		RETURNING ` + usageColumns + `, last_increment_minutes`

	var applied int
	executor := querier(ctx, s.db)
	state, err := scanUsage(executor.QueryRowContext(ctx, query,
		key.TenantID, key.LearnerID, key.Date, delta, ceiling.Daily, now, expiresAt, ceiling.Session), &applied)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to increment usage: %w", err)
	}

	s.logger.Debug("usage incremented",
		zap.String("key", key.String()),
		zap.Int("delta", delta),
		zap.Int("applied", applied),
		zap.Int("daily_used", state.DailyUsedMinutes))
	return state, applied, nil
}

// CompareAndSwap stores state when the persisted version matches
func (s *UsageStore) CompareAndSwap(ctx context.Context, state *models.LearnerUsageState) error {
	docs, err := repositories.EncodeUsageDocuments(state)
	if err != nil {
		return err
	}

	executor := querier(ctx, s.db)

	if state.Version == 0 {
		insert := `
			INSERT INTO learner_usage (
				tenant_id, learner_id, usage_date, daily_used_minutes, current_session_minutes,
				last_break_at, break_active, breaks_taken_today, active_warnings, fired_thresholds,
				active_enforcement, session_id, last_activity_at, version, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14)
			ON CONFLICT (tenant_id, learner_id, usage_date) DO NOTHING
		`
		result, err := executor.ExecContext(ctx, insert,
			state.TenantID, state.LearnerID, state.Date,
			state.DailyUsedMinutes, state.CurrentSessionMinutes,
			state.LastBreakAt, state.BreakActive, state.BreaksTakenToday,
			jsonParam(docs.Warnings), jsonParam(docs.Thresholds), jsonParam(docs.Enforcement),
			state.SessionID, state.LastActivityAt, state.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert usage: %w", err)
		}
		return checkSwapped(result, state)
	}

	update := `
		UPDATE learner_usage
		SET daily_used_minutes = $5, current_session_minutes = $6, last_break_at = $7,
		    break_active = $8, breaks_taken_today = $9, active_warnings = $10,
		    fired_thresholds = $11, active_enforcement = $12, session_id = $13,
		    last_activity_at = $14, expires_at = $15, version = version + 1
		WHERE tenant_id = $1 AND learner_id = $2 AND usage_date = $3 AND version = $4
	`
	result, err := executor.ExecContext(ctx, update,
		state.TenantID, state.LearnerID, state.Date, state.Version,
		state.DailyUsedMinutes, state.CurrentSessionMinutes, state.LastBreakAt,
		state.BreakActive, state.BreaksTakenToday, jsonParam(docs.Warnings),
		jsonParam(docs.Thresholds), jsonParam(docs.Enforcement), state.SessionID,
		state.LastActivityAt, state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	return checkSwapped(result, state)
}

// ListActiveSince retrieves records of a date with activity at or after since
func (s *UsageStore) ListActiveSince(ctx context.Context, date string, since time.Time) ([]*models.LearnerUsageState, error) {
	query := `
		SELECT ` + usageColumns + `
		FROM learner_usage
		WHERE usage_date = $1 AND last_activity_at >= $2
	`

	executor := querier(ctx, s.db)
	rows, err := executor.QueryContext(ctx, query, date, since)
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

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}
	return states, nil
}

// PurgeExpired keeps every row. Postgres is the durable tier: a past day's
// record is superseded by the next day's key, and expires_at is advisory.
// Retention is left to the database operator.
func (s *UsageStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, ctx.Err()
}

// jsonParam passes a JSON document as text so it binds to JSONB, nil as NULL
func jsonParam(doc []byte) interface{} {
	if doc == nil {
		return nil
	}
	return string(doc)
}

func checkSwapped(result sql.Result, state *models.LearnerUsageState) error {
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

func scanUsage(row rowScanner, extra ...interface{}) (*models.LearnerUsageState, error) {
	state := &models.LearnerUsageState{}
	var date time.Time
	var lastBreakAt, lastActivityAt sql.NullTime
	var docs repositories.UsageDocuments

	dest := []interface{}{
		&state.TenantID,
		&state.LearnerID,
		&date,
		&state.DailyUsedMinutes,
		&state.CurrentSessionMinutes,
		&lastBreakAt,
		&state.BreakActive,
		&state.BreaksTakenToday,
		&docs.Warnings,
		&docs.Thresholds,
		&docs.Enforcement,
		&state.SessionID,
		&lastActivityAt,
		&state.Version,
		&state.ExpiresAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	state.Date = date.Format(models.DateLayout)
	if lastBreakAt.Valid {
		t := lastBreakAt.Time
		state.LastBreakAt = &t
	}
	if lastActivityAt.Valid {
		t := lastActivityAt.Time
		state.LastActivityAt = &t
	}
	if err := repositories.DecodeUsageDocuments(state, docs); err != nil {
		return nil, err
	}
	return state, nil
}
