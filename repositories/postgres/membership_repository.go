package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"go.uber.org/zap"
)

// MembershipRepository implements the repositories.MembershipRepository interface
type MembershipRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *DB, logger *zap.Logger) repositories.MembershipRepository {
	return &MembershipRepository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the memberships of a learner
func (r *MembershipRepository) Get(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerMembership, error) {
	query := `
		SELECT tenant_id, learner_id, school_ids, class_ids, updated_at
		FROM learner_memberships
		WHERE tenant_id = $1 AND learner_id = $2
	`

	executor := querier(ctx, r.db)
	m := &models.LearnerMembership{}
	var schoolIDs, classIDs pq.StringArray

	err := executor.QueryRowContext(ctx, query, tenantID, learnerID).Scan(
		&m.TenantID,
		&m.LearnerID,
		&schoolIDs,
		&classIDs,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("membership not found: %s: %w", learnerID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	if m.SchoolIDs, err = parseUUIDs(schoolIDs); err != nil {
		return nil, fmt.Errorf("failed to decode school ids: %w", err)
	}
	if m.ClassIDs, err = parseUUIDs(classIDs); err != nil {
		return nil, fmt.Errorf("failed to decode class ids: %w", err)
	}
	return m, nil
}

// Upsert creates or replaces the memberships of a learner
func (r *MembershipRepository) Upsert(ctx context.Context, m *models.LearnerMembership) error {
	query := `
		INSERT INTO learner_memberships (tenant_id, learner_id, school_ids, class_ids, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, learner_id)
		DO UPDATE SET school_ids = EXCLUDED.school_ids,
		              class_ids = EXCLUDED.class_ids,
		              updated_at = EXCLUDED.updated_at
	`

	executor := querier(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		m.TenantID,
		m.LearnerID,
		pq.Array(uuidStrings(m.SchoolIDs)),
		pq.Array(uuidStrings(m.ClassIDs)),
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}

	r.logger.Debug("membership upserted", zap.String("learner_id", m.LearnerID.String()))
	return nil
}
