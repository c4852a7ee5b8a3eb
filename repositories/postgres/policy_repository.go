package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"go.uber.org/zap"
)

const policyColumns = `id, tenant_id, scope, scope_id, version, daily_limit_minutes, session_limit_minutes,
		       break_after_minutes, break_duration_minutes, schedule, enforcement_level,
		       warning_thresholds, exempt_activity_types, enabled, created_at, updated_at`

// PolicyRepository implements the repositories.PolicyRepository interface
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new policy
func (r *PolicyRepository) Create(ctx context.Context, policy *models.ScreenTimePolicy) error {
	schedule, err := json.Marshal(policy.Schedule)
	if err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}

	query := `
		INSERT INTO screen_time_policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	executor := querier(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		policy.ID,
		policy.TenantID,
		policy.Scope,
		policy.ScopeID,
		policy.Version,
		policy.DailyLimitMinutes,
		policy.SessionLimitMinutes,
		policy.BreakAfterMinutes,
		policy.BreakDurationMinutes,
		schedule,
		policy.EnforcementLevel,
		pq.Array(toInt64s(policy.WarningThresholds)),
		pq.Array(policy.ExemptActivityTypes),
		policy.Enabled,
		policy.CreatedAt,
		policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}

	r.logger.Debug("policy created",
		zap.String("id", policy.ID.String()),
		zap.String("scope", string(policy.Scope)))
	return nil
}

// GetByID retrieves a policy by ID
func (r *PolicyRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ScreenTimePolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM screen_time_policies
		WHERE tenant_id = $1 AND id = $2
	`

	executor := querier(ctx, r.db)
	policy, err := scanPolicy(executor.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy not found: %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return policy, nil
}

// ListByTenant retrieves every policy of a tenant
func (r *PolicyRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.ScreenTimePolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM screen_time_policies
		WHERE tenant_id = $1
		ORDER BY scope, created_at
	`
	return r.queryPolicies(ctx, query, tenantID)
}

// GetApplicable retrieves enabled policies attached to any of the given scopes
func (r *PolicyRepository) GetApplicable(ctx context.Context, tenantID uuid.UUID, scopes map[models.PolicyScope][]uuid.UUID) ([]*models.ScreenTimePolicy, error) {
	args := []interface{}{tenantID}
	var clauses []string
	for _, scope := range []models.PolicyScope{models.ScopeTenant, models.ScopeSchool, models.ScopeClass, models.ScopeLearner} {
		ids := scopes[scope]
		if len(ids) == 0 {
			continue
		}
		args = append(args, scope, pq.Array(uuidStrings(ids)))
		clauses = append(clauses, fmt.Sprintf("(scope = $%d AND scope_id::text = ANY($%d))", len(args)-1, len(args)))
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + policyColumns + `
		FROM screen_time_policies
		WHERE tenant_id = $1 AND enabled = true AND (` + strings.Join(clauses, " OR ") + `)
	`
	return r.queryPolicies(ctx, query, args...)
}

// Update updates an existing policy
func (r *PolicyRepository) Update(ctx context.Context, policy *models.ScreenTimePolicy) error {
	schedule, err := json.Marshal(policy.Schedule)
	if err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}

	query := `
		UPDATE screen_time_policies
		SET version = $3, daily_limit_minutes = $4, session_limit_minutes = $5,
		    break_after_minutes = $6, break_duration_minutes = $7, schedule = $8,
		    enforcement_level = $9, warning_thresholds = $10, exempt_activity_types = $11,
		    enabled = $12, updated_at = $13
		WHERE tenant_id = $1 AND id = $2
	`

	executor := querier(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		policy.TenantID,
		policy.ID,
		policy.Version,
		policy.DailyLimitMinutes,
		policy.SessionLimitMinutes,
		policy.BreakAfterMinutes,
		policy.BreakDurationMinutes,
		schedule,
		policy.EnforcementLevel,
		pq.Array(toInt64s(policy.WarningThresholds)),
		pq.Array(policy.ExemptActivityTypes),
		policy.Enabled,
		policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("policy not found: %s: %w", policy.ID, repositories.ErrNotFound)
	}

	r.logger.Debug("policy updated", zap.String("id", policy.ID.String()), zap.Int("version", policy.Version))
	return nil
}

// Delete deletes a policy
func (r *PolicyRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `DELETE FROM screen_time_policies WHERE tenant_id = $1 AND id = $2`

	executor := querier(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("policy not found: %s: %w", id, repositories.ErrNotFound)
	}

	r.logger.Debug("policy deleted", zap.String("id", id.String()))
	return nil
}

// queryPolicies is a helper method to query multiple policies
func (r *PolicyRepository) queryPolicies(ctx context.Context, query string, args ...interface{}) ([]*models.ScreenTimePolicy, error) {
	executor := querier(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.ScreenTimePolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, policy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rows: %w", err)
	}

	return policies, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*models.ScreenTimePolicy, error) {
	policy := &models.ScreenTimePolicy{}
	var schedule []byte
	var thresholds pq.Int64Array
	var exempt pq.StringArray

	err := row.Scan(
		&policy.ID,
		&policy.TenantID,
		&policy.Scope,
		&policy.ScopeID,
		&policy.Version,
		&policy.DailyLimitMinutes,
		&policy.SessionLimitMinutes,
		&policy.BreakAfterMinutes,
		&policy.BreakDurationMinutes,
		&schedule,
		&policy.EnforcementLevel,
		&thresholds,
		&exempt,
		&policy.Enabled,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &policy.Schedule); err != nil {
			return nil, fmt.Errorf("failed to decode schedule: %w", err)
		}
	}
	policy.WarningThresholds = make([]int, len(thresholds))
	for i, t := range thresholds {
		policy.WarningThresholds[i] = int(t)
	}
	policy.ExemptActivityTypes = []string(exempt)
	if policy.ExemptActivityTypes == nil {
		policy.ExemptActivityTypes = []string{}
	}
	return policy, nil
}

func toInt64s(values []int) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(values []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", v, err)
		}
		out = append(out, id)
	}
	return out, nil
}
