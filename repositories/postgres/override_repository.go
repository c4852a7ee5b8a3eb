package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"go.uber.org/zap"
)

// OverrideRepository implements the repositories.OverrideRepository interface
type OverrideRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewOverrideRepository creates a new override repository
func NewOverrideRepository(db *DB, logger *zap.Logger) repositories.OverrideRepository {
	return &OverrideRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new override
func (r *OverrideRepository) Create(ctx context.Context, o *models.ParentOverride) error {
	query := `
		INSERT INTO parent_overrides (
			id, tenant_id, learner_id, parent_id, override_type,
			additional_minutes, reason, expires_at, used_minutes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	executor := querier(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		o.ID,
		o.TenantID,
		o.LearnerID,
		o.ParentID,
		o.OverrideType,
		o.AdditionalMinutes,
		o.Reason,
		o.ExpiresAt,
		o.UsedMinutes,
		o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create override: %w", err)
	}

	r.logger.Debug("override created",
		zap.String("id", o.ID.String()),
		zap.String("type", string(o.OverrideType)))
	return nil
}

// ListActive retrieves overrides of a learner not yet expired at now, oldest first
func (r *OverrideRepository) ListActive(ctx context.Context, tenantID, learnerID uuid.UUID, now time.Time) ([]*models.ParentOverride, error) {
	query := `
		SELECT id, tenant_id, learner_id, parent_id, override_type,
		       additional_minutes, reason, expires_at, used_minutes, created_at
		FROM parent_overrides
		WHERE tenant_id = $1 AND learner_id = $2 AND expires_at > $3
		ORDER BY created_at ASC
	`

	executor := querier(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID, learnerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var overrides []*models.ParentOverride
	for rows.Next() {
		o := &models.ParentOverride{}
		if err := rows.Scan(
			&o.ID,
			&o.TenantID,
			&o.LearnerID,
			&o.ParentID,
			&o.OverrideType,
			&o.AdditionalMinutes,
			&o.Reason,
			&o.ExpiresAt,
			&o.UsedMinutes,
			&o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		overrides = append(overrides, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating override rows: %w", err)
	}

	return overrides, nil
}

// AddUsedMinutes accumulates minutes consumed under an override
func (r *OverrideRepository) AddUsedMinutes(ctx context.Context, id uuid.UUID, minutes int) error {
	query := `UPDATE parent_overrides SET used_minutes = used_minutes + $2 WHERE id = $1`

	executor := querier(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id, minutes)
	if err != nil {
		return fmt.Errorf("failed to update override usage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("override not found: %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

// DeleteExpired removes overrides that expired before now
func (r *OverrideRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM parent_overrides WHERE expires_at <= $1`

	executor := querier(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired overrides: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		r.logger.Debug("expired overrides deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}
