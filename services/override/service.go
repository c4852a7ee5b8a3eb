// Package override manages parent-issued, time-bounded relaxations of a
// single enforcement rule.
package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"github.com/upb/screentime-engine/services"
	"github.com/upb/screentime-engine/services/events"
	"github.com/upb/screentime-engine/services/ledger"
	"github.com/upb/screentime-engine/utils"
	"go.uber.org/zap"
)

// DefaultMaxDuration bounds how far in the future an override may expire
const DefaultMaxDuration = 12 * time.Hour

// maxAdditionalMinutes bounds AddTime and ExtendSession grants to one day
const maxAdditionalMinutes = 24 * 60

// PolicySource resolves the effective policy, used for the learner's timezone
type PolicySource interface {
	Resolve(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.ScreenTimePolicy, error)
}

// EnforcementClearer clears active enforcement on the ledger
type EnforcementClearer interface {
	ClearEnforcement(ctx context.Context, day ledger.Day, types ...models.EnforcementType) (*models.LearnerUsageState, error)
}

// CreateRequest represents a request to create an override
type CreateRequest struct {
	TenantID          uuid.UUID           `json:"-"`
	LearnerID         uuid.UUID           `json:"-"`
	ParentID          uuid.UUID           `json:"parent_id"`
	OverrideType      models.OverrideType `json:"override_type" validate:"required,oneof=AddTime ExtendSession BypassLimit SkipBreak"`
	AdditionalMinutes *int                `json:"additional_minutes,omitempty"`
	Reason            string              `json:"reason" validate:"max=500"`
	ExpiresAt         time.Time           `json:"expires_at"`
}

// Service handles override business logic
type Service struct {
	overrides   repositories.OverrideRepository
	memberships repositories.MembershipRepository
	policies    PolicySource
	ledger      EnforcementClearer
	sink        events.Sink
	maxDuration time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewService creates a new override service. maxDuration <= 0 uses DefaultMaxDuration.
func NewService(
	overrides repositories.OverrideRepository,
	memberships repositories.MembershipRepository,
	policies PolicySource,
	ledger EnforcementClearer,
	sink events.Sink,
	maxDuration time.Duration,
	logger *zap.Logger,
) *Service {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	return &Service{
		overrides:   overrides,
		memberships: memberships,
		policies:    policies,
		ledger:      ledger,
		sink:        sink,
		maxDuration: maxDuration,
		now:         time.Now,
		logger:      logger,
	}
}

// Create validates and persists an override, then immediately clears any
// active enforcement of the type it targets and records OverrideApplied
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.ParentOverride, error) {
	now := s.now()

	if err := s.validate(req, now); err != nil {
		return nil, err
	}

	if _, err := s.memberships.Get(ctx, req.TenantID, req.LearnerID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.InvalidOverride("learner does not exist").WithDetail("learner_id", req.LearnerID.String())
		}
		return nil, services.WrapPolicyUnavailable("failed to load learner memberships", err)
	}

	policy, err := s.policies.Resolve(ctx, req.TenantID, req.LearnerID)
	if err != nil {
		return nil, err
	}

	o := models.NewParentOverride(req.TenantID, req.LearnerID, req.ParentID, req.OverrideType, req.ExpiresAt)
	o.AdditionalMinutes = req.AdditionalMinutes
	o.Reason = req.Reason
	o.CreatedAt = now

	if err := s.overrides.Create(ctx, o); err != nil {
		s.logger.Error("failed to create override",
			zap.String("learner_id", req.LearnerID.String()),
			zap.Error(err))
		return nil, services.WrapInternal("failed to create override", err)
	}

	targets := o.OverrideType.Targets()
	day := ledger.DayOf(o.TenantID, o.LearnerID, now, policy.Location())
	if _, err := s.ledger.ClearEnforcement(ctx, day, targets...); err != nil {
		// Decisions consult active overrides directly, so the next call still honors it
		s.logger.Warn("failed to clear targeted enforcement",
			zap.String("override_id", o.ID.String()),
			zap.Error(err))
	}

	s.record(models.NewScreenTimeEvent(o.TenantID, models.EventOverrideApplied).
		WithLearner(o.LearnerID).
		At(now).
		WithDetails(map[string]interface{}{
			"override_id":        o.ID,
			"override_type":      o.OverrideType,
			"parent_id":          o.ParentID,
			"additional_minutes": o.Minutes(),
			"expires_at":         o.ExpiresAt,
			"reason":             o.Reason,
			"cleared":            targets,
		}))

	s.logger.Info("override created",
		zap.String("override_id", o.ID.String()),
		zap.String("learner_id", o.LearnerID.String()),
		zap.String("type", string(o.OverrideType)),
		zap.Time("expires_at", o.ExpiresAt))

	return o, nil
}

// GetActive returns the learner's overrides in force at now, oldest first.
// Expired overrides are treated as absent whether or not they were purged.
func (s *Service) GetActive(ctx context.Context, tenantID, learnerID uuid.UUID, now time.Time) (*models.ActiveOverrides, error) {
	list, err := s.overrides.ListActive(ctx, tenantID, learnerID, now)
	if err != nil {
		return nil, services.WrapPolicyUnavailable("failed to load active overrides", err)
	}

	active := &models.ActiveOverrides{Overrides: make([]*models.ParentOverride, 0, len(list))}
	for _, o := range list {
		if o.IsActive(now) {
			active.Overrides = append(active.Overrides, o)
		}
	}
	return active, nil
}

// RecordUsage accumulates minutes consumed under an override
func (s *Service) RecordUsage(ctx context.Context, overrideID uuid.UUID, minutes int) error {
	if minutes <= 0 {
		return nil
	}
	if err := s.overrides.AddUsedMinutes(ctx, overrideID, minutes); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrOverrideNotFound
		}
		return services.WrapInternal("failed to record override usage", err)
	}
	return nil
}

// PurgeExpired deletes overrides that are no longer in force
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	deleted, err := s.overrides.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge overrides: %w", err)
	}
	return deleted, nil
}

func (s *Service) validate(req CreateRequest, now time.Time) error {
	if err := utils.ValidateStruct(req); err != nil {
		return services.InvalidOverride("malformed override request").
			WithDetail("fields", utils.GetValidationFields(err))
	}
	if !req.OverrideType.Valid() {
		return services.InvalidOverride("unknown override type").WithDetail("override_type", req.OverrideType)
	}
	if req.TenantID == uuid.Nil || req.LearnerID == uuid.Nil || req.ParentID == uuid.Nil {
		return services.InvalidOverride("tenant, learner and parent are required")
	}
	if !req.ExpiresAt.After(now) {
		return services.InvalidOverride("override already expired").WithDetail("expires_at", req.ExpiresAt)
	}
	if req.ExpiresAt.Sub(now) > s.maxDuration {
		return services.InvalidOverride(fmt.Sprintf("override may last at most %s", s.maxDuration)).
			WithDetail("expires_at", req.ExpiresAt)
	}

	if req.OverrideType.RequiresMinutes() {
		if req.AdditionalMinutes == nil || *req.AdditionalMinutes <= 0 {
			return services.InvalidOverride(fmt.Sprintf("%s requires additional minutes", req.OverrideType))
		}
		if *req.AdditionalMinutes > maxAdditionalMinutes {
			return services.InvalidOverride(fmt.Sprintf("additional minutes may not exceed %d", maxAdditionalMinutes))
		}
	} else if req.AdditionalMinutes != nil {
		return services.InvalidOverride(fmt.Sprintf("%s does not take additional minutes", req.OverrideType))
	}
	return nil
}

func (s *Service) record(event *models.ScreenTimeEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Record(event); err != nil {
		s.logger.Debug("override event not recorded", zap.Error(err))
	}
}
