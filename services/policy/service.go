package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"github.com/upb/screentime-engine/services"
	"github.com/upb/screentime-engine/services/availability"
	"github.com/upb/screentime-engine/services/events"
	"github.com/upb/screentime-engine/utils"
	"go.uber.org/zap"
)

// PolicyRequest carries the administrable fields of a policy
type PolicyRequest struct {
	Scope                models.PolicyScope      `json:"scope" validate:"required,oneof=tenant school class learner"`
	ScopeID              uuid.UUID               `json:"scope_id"`
	DailyLimitMinutes    int                     `json:"daily_limit_minutes" validate:"gte=0,lte=1440"`
	SessionLimitMinutes  int                     `json:"session_limit_minutes" validate:"gte=0,lte=1440"`
	BreakAfterMinutes    int                     `json:"break_after_minutes" validate:"gte=0,lte=1440"`
	BreakDurationMinutes int                     `json:"break_duration_minutes" validate:"gte=0,lte=1440"`
	Schedule             *models.Schedule        `json:"schedule,omitempty"`
	EnforcementLevel     models.EnforcementLevel `json:"enforcement_level" validate:"required,oneof=soft medium strict"`
	WarningThresholds    []int                   `json:"warning_thresholds" validate:"dive,gte=1,lte=100"`
	ExemptActivityTypes  []string                `json:"exempt_activity_types" validate:"dive,required,max=64"`
	Enabled              *bool                   `json:"enabled,omitempty"`
}

// MembershipRequest replaces the school and class scopes of a learner
type MembershipRequest struct {
	SchoolIDs []uuid.UUID `json:"school_ids"`
	ClassIDs  []uuid.UUID `json:"class_ids"`
}

// PolicyService administers screen-time policies and learner memberships.
// Every mutation drops the affected resolver cache entries and records a
// PolicyChanged event.
type PolicyService struct {
	policies    repositories.PolicyRepository
	memberships repositories.MembershipRepository
	txManager   repositories.TransactionManager
	resolver    *Resolver
	sink        events.Sink
	now         func() time.Time
	logger      *zap.Logger
}

// NewPolicyService creates a new policy service
func NewPolicyService(
	policies repositories.PolicyRepository,
	memberships repositories.MembershipRepository,
	txManager repositories.TransactionManager,
	resolver *Resolver,
	sink events.Sink,
	logger *zap.Logger,
) *PolicyService {
	return &PolicyService{
		policies:    policies,
		memberships: memberships,
		txManager:   txManager,
		resolver:    resolver,
		sink:        sink,
		now:         time.Now,
		logger:      logger,
	}
}

// Create validates and stores a new policy at version 1
func (s *PolicyService) Create(ctx context.Context, tenantID uuid.UUID, req PolicyRequest) (*models.ScreenTimePolicy, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	scopeID := req.ScopeID
	if req.Scope == models.ScopeTenant {
		scopeID = tenantID
	}
	if scopeID == uuid.Nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "scope_id is required", nil).
			WithDetail("scope", string(req.Scope))
	}

	p := models.NewScreenTimePolicy(tenantID, req.Scope, scopeID)
	applyRequest(p, req)
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := services.WithTransaction(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) error {
		return s.policies.Create(tx.Context(), p)
	})
	if err != nil {
		s.logger.Error("failed to create policy", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return nil, services.WrapInternal("failed to create policy", err)
	}

	s.resolver.Invalidate(p)
	s.recordChange(p, "created")

	s.logger.Info("policy created",
		zap.String("policy_id", p.ID.String()),
		zap.String("scope", string(p.Scope)),
		zap.String("scope_id", p.ScopeID.String()))
	return p, nil
}

// Get retrieves a policy of the tenant
func (s *PolicyService) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.ScreenTimePolicy, error) {
	p, err := s.policies.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return p, nil
}

// List retrieves every policy of the tenant
func (s *PolicyService) List(ctx context.Context, tenantID uuid.UUID) ([]*models.ScreenTimePolicy, error) {
	policies, err := s.policies.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("failed to list policies", err)
	}
	if policies == nil {
		policies = []*models.ScreenTimePolicy{}
	}
	return policies, nil
}

// Update replaces the administrable fields of a policy and bumps its version.
// Usage already recorded is never rewritten; the new version applies from the
// next resolution.
func (s *PolicyService) Update(ctx context.Context, tenantID, id uuid.UUID, req PolicyRequest) (*models.ScreenTimePolicy, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	var previous models.ScreenTimePolicy
	updated, err := services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) (*models.ScreenTimePolicy, error) {
		current, err := s.policies.GetByID(tx.Context(), tenantID, id)
		if err != nil {
			return nil, err
		}
		previous = *current

		next := *current
		if req.Scope == models.ScopeTenant {
			next.ScopeID = tenantID
		} else if req.ScopeID != uuid.Nil {
			next.ScopeID = req.ScopeID
		}
		next.Scope = req.Scope
		applyRequest(&next, req)
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		if err := s.policies.Update(tx.Context(), &next); err != nil {
			return nil, err
		}
		return &next, nil
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	s.resolver.Invalidate(updated)
	if previous.Scope != updated.Scope || previous.ScopeID != updated.ScopeID {
		s.resolver.Invalidate(&previous)
	}
	s.recordChange(updated, "updated")

	s.logger.Info("policy updated",
		zap.String("policy_id", updated.ID.String()),
		zap.Int("version", updated.Version))
	return updated, nil
}

// Delete removes a policy; learners fall back to the next applicable scope
func (s *PolicyService) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	deleted, err := services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) (*models.ScreenTimePolicy, error) {
		current, err := s.policies.GetByID(tx.Context(), tenantID, id)
		if err != nil {
			return nil, err
		}
		if err := s.policies.Delete(tx.Context(), tenantID, id); err != nil {
			return nil, err
		}
		return current, nil
	})
	if err != nil {
		return mapRepoError(err)
	}

	s.resolver.Invalidate(deleted)
	s.recordChange(deleted, "deleted")

	s.logger.Info("policy deleted", zap.String("policy_id", id.String()))
	return nil
}

// SetMemberships replaces the school and class scopes of a learner
func (s *PolicyService) SetMemberships(ctx context.Context, tenantID, learnerID uuid.UUID, req MembershipRequest) (*models.LearnerMembership, error) {
	m := &models.LearnerMembership{
		TenantID:  tenantID,
		LearnerID: learnerID,
		SchoolIDs: nonNilIDs(req.SchoolIDs),
		ClassIDs:  nonNilIDs(req.ClassIDs),
		UpdatedAt: s.now(),
	}

	if err := s.memberships.Upsert(ctx, m); err != nil {
		s.logger.Error("failed to upsert memberships",
			zap.String("learner_id", learnerID.String()),
			zap.Error(err))
		return nil, services.WrapInternal("failed to store memberships", err)
	}

	s.resolver.InvalidateLearner(tenantID, learnerID)
	s.logger.Info("memberships updated",
		zap.String("learner_id", learnerID.String()),
		zap.Int("schools", len(m.SchoolIDs)),
		zap.Int("classes", len(m.ClassIDs)))
	return m, nil
}

func (s *PolicyService) recordChange(p *models.ScreenTimePolicy, change string) {
	event := models.NewScreenTimeEvent(p.TenantID, models.EventPolicyChanged).
		At(s.now()).
		WithDetails(map[string]interface{}{
			"policy_id": p.ID,
			"scope":     p.Scope,
			"scope_id":  p.ScopeID,
			"version":   p.Version,
			"change":    change,
		})
	if p.Scope == models.ScopeLearner {
		event.WithLearner(p.ScopeID)
	}
	if err := s.sink.Record(event); err != nil {
		s.logger.Debug("policy change event not recorded", zap.Error(err))
	}
}

func validateRequest(req *PolicyRequest) error {
	if err := utils.ValidateStruct(req); err != nil {
		domainErr := services.NewDomainError(services.ErrorTypeValidation, "invalid policy configuration", err)
		for field, msg := range utils.GetValidationFields(err) {
			domainErr.WithDetail(field, msg)
		}
		return domainErr
	}

	for i := 1; i < len(req.WarningThresholds); i++ {
		if req.WarningThresholds[i] <= req.WarningThresholds[i-1] {
			return services.NewDomainError(services.ErrorTypeValidation, "warning thresholds must be strictly ascending", nil).
				WithDetail("warning_thresholds", req.WarningThresholds)
		}
	}

	if req.Schedule != nil {
		if err := availability.Validate(*req.Schedule); err != nil {
			return err
		}
	}
	return nil
}

func applyRequest(p *models.ScreenTimePolicy, req PolicyRequest) {
	p.DailyLimitMinutes = req.DailyLimitMinutes
	p.SessionLimitMinutes = req.SessionLimitMinutes
	p.BreakAfterMinutes = req.BreakAfterMinutes
	p.BreakDurationMinutes = req.BreakDurationMinutes
	p.EnforcementLevel = req.EnforcementLevel
	if req.Schedule != nil {
		p.Schedule = *req.Schedule
	}
	if req.WarningThresholds != nil {
		p.WarningThresholds = append([]int(nil), req.WarningThresholds...)
	}
	p.ExemptActivityTypes = append([]string{}, req.ExemptActivityTypes...)
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
}

func mapRepoError(err error) error {
	var domainErr *services.DomainError
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, repositories.ErrNotFound):
		return services.ErrPolicyNotFound
	default:
		return services.WrapInternal("policy storage failed", fmt.Errorf("policy repository: %w", err))
	}
}

func nonNilIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
