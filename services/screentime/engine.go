// Package screentime is the entry point of the engine: it orchestrates policy
// resolution, the usage ledger, availability, overrides and enforcement for
// every learner-facing operation.
package screentime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/internal/observability"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"github.com/upb/screentime-engine/services"
	"github.com/upb/screentime-engine/services/availability"
	"github.com/upb/screentime-engine/services/enforcement"
	"github.com/upb/screentime-engine/services/events"
	"github.com/upb/screentime-engine/services/ledger"
	"github.com/upb/screentime-engine/services/override"
	"github.com/upb/screentime-engine/utils"
	"go.uber.org/zap"
)

const (
	// DefaultIdleTimeout closes sessions without activity for this long
	DefaultIdleTimeout = 10 * time.Minute

	defaultEventPageSize = 50
	maxEventPageSize     = 500
)

// PolicyResolver resolves the effective policy of a learner
type PolicyResolver interface {
	Resolve(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.ScreenTimePolicy, error)
}

// ActivityRequest reports minutes of activity in a session
type ActivityRequest struct {
	TenantID        uuid.UUID `json:"-"`
	LearnerID       uuid.UUID `json:"-"`
	ActivityType    string    `json:"activity_type" validate:"max=64"`
	DurationMinutes int       `json:"duration_minutes" validate:"gte=0,lte=1440"`
	SessionID       string    `json:"session_id" validate:"max=128"`
}

// ActivityResult is the outcome of RecordActivity. A denial is a result with
// Allowed false, not an error.
type ActivityResult struct {
	Allowed  bool                            `json:"allowed"`
	Rule     enforcement.Rule                `json:"rule"`
	Action   *models.EnforcementAction       `json:"action,omitempty"`
	Warnings []models.Warning                `json:"warnings"`
	Status   *models.LearnerScreenTimeStatus `json:"status"`
}

// SweepResult reports what a sweep did to one learner
type SweepResult struct {
	ClosedSession string
	Action        *models.EnforcementAction
}

// Engine is the learner-facing screen-time engine
type Engine struct {
	policies    PolicyResolver
	ledger      *ledger.Service
	overrides   *override.Service
	dispatcher  *events.Dispatcher
	events      repositories.EventRepository
	idleTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewEngine creates a new Engine. idleTimeout <= 0 uses DefaultIdleTimeout.
func NewEngine(
	policies PolicyResolver,
	ledgerService *ledger.Service,
	overrides *override.Service,
	dispatcher *events.Dispatcher,
	eventRepo repositories.EventRepository,
	idleTimeout time.Duration,
	logger *zap.Logger,
) *Engine {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Engine{
		policies:    policies,
		ledger:      ledgerService,
		overrides:   overrides,
		dispatcher:  dispatcher,
		events:      eventRepo,
		idleTimeout: idleTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

// IdleTimeout is the inactivity after which a session is closed
func (e *Engine) IdleTimeout() time.Duration {
	return e.idleTimeout
}

// GetEffectivePolicy returns the policy in force for the learner
func (e *Engine) GetEffectivePolicy(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.ScreenTimePolicy, error) {
	return e.policies.Resolve(ctx, tenantID, learnerID)
}

// GetStatus returns a snapshot of the learner's day without changing it
func (e *Engine) GetStatus(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerScreenTimeStatus, error) {
	now := e.now()
	lc, err := e.load(ctx, tenantID, learnerID, now)
	if err != nil {
		return nil, err
	}
	return lc.status(lc.usage, now), nil
}

// RecordActivity decides whether the learner may continue and, when allowed,
// charges the minutes to the ledger. The policy and ledger must both be
// readable; failures surface as errors and are never reported as allowed.
func (e *Engine) RecordActivity(ctx context.Context, req ActivityRequest) (*ActivityResult, error) {
	if err := utils.ValidateStruct(req); err != nil {
		if req.DurationMinutes < 0 {
			return nil, services.ErrInvalidDuration
		}
		domainErr := services.NewDomainError(services.ErrorTypeValidation, "invalid activity", err)
		for field, msg := range utils.GetValidationFields(err) {
			domainErr.WithDetail(field, msg)
		}
		return nil, domainErr
	}

	now := e.now()
	lc, err := e.load(ctx, req.TenantID, req.LearnerID, now)
	if err != nil {
		return nil, err
	}

	in := enforcement.Input{
		Policy:       lc.policy,
		Usage:        lc.usage,
		Availability: lc.availability,
		Overrides:    lc.overrides,
		ActivityType: req.ActivityType,
		DeltaMinutes: req.DurationMinutes,
		SessionID:    req.SessionID,
		Now:          now,
	}
	d := enforcement.Decide(in)
	effects := d.Effects

	if d.Allowed && d.Rule != enforcement.RuleExempt {
		inc, err := e.ledger.IncrementUsage(ctx, lc.day, d.Increment, d.Limits(), now)
		if err != nil {
			return nil, err
		}

		thresholds := enforcement.EvaluateThresholds(lc.policy, inc.PreviousDailyMinutes, inc.State.DailyUsedMinutes, inc.State.FiredThresholds, now)
		effects = append(effects, enforcement.WarningEffects(in, thresholds)...)

		before := lc.usage.Clone()
		before.DailyUsedMinutes = inc.PreviousDailyMinutes
		before.CurrentSessionMinutes = inc.State.CurrentSessionMinutes - inc.AppliedMinutes
		e.chargeOverrides(ctx, lc, before, inc.AppliedMinutes)

		lc.usage = inc.State
	}

	warnings, err := e.dispatcher.Dispatch(ctx, lc.day, effects)
	if err != nil {
		observability.FromContext(ctx, e.logger).Warn("decision effects partially applied",
			zap.String("learner_id", req.LearnerID.String()),
			zap.String("rule", string(d.Rule)),
			zap.Error(err))
	}

	if d.Rule != enforcement.RuleExempt {
		e.trackSession(ctx, lc, req.SessionID, now)
	}

	usage := lc.usage
	if fresh, err := e.ledger.GetState(ctx, lc.day); err == nil {
		usage = fresh
	}

	if warnings == nil {
		warnings = []models.Warning{}
	}
	result := &ActivityResult{
		Allowed:  d.Allowed,
		Rule:     d.Rule,
		Action:   d.Action,
		Warnings: warnings,
		Status:   lc.status(usage, now),
	}

	observability.FromContext(ctx, e.logger).Debug("activity recorded",
		zap.String("learner_id", req.LearnerID.String()),
		zap.Int("minutes", req.DurationMinutes),
		zap.Bool("allowed", result.Allowed),
		zap.String("rule", string(d.Rule)),
		zap.Int("daily_used", usage.DailyUsedMinutes))
	return result, nil
}

// StartBreak starts a break for the learner. Starting while a break is already
// active changes nothing. An empty breakType is inferred from the active
// enforcement.
func (e *Engine) StartBreak(ctx context.Context, tenantID, learnerID uuid.UUID, breakType models.BreakType) (*models.LearnerScreenTimeStatus, error) {
	if breakType != "" && !breakType.IsValid() {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "unknown break type", nil).
			WithDetail("break_type", string(breakType))
	}

	now := e.now()
	lc, err := e.load(ctx, tenantID, learnerID, now)
	if err != nil {
		return nil, err
	}
	if breakType == "" {
		breakType = models.BreakVoluntary
		if lc.usage.ActiveEnforcement != nil && lc.usage.ActiveEnforcement.Type == models.EnforcementBreakRequired {
			breakType = models.BreakEnforced
		}
	}

	state, started, err := e.ledger.StartBreak(ctx, lc.day, now)
	if err != nil {
		return nil, err
	}
	if started {
		e.dispatcher.Emit(models.NewScreenTimeEvent(tenantID, models.EventBreakStart).
			WithLearner(learnerID).
			WithSession(state.SessionID).
			At(now).
			WithDetails(map[string]interface{}{
				"break_type":         string(breakType),
				"session_minutes":    lc.usage.CurrentSessionMinutes,
				"breaks_taken_today": state.BreaksTakenToday,
			}))
	}
	return lc.status(state, now), nil
}

// EndBreak ends the learner's active break. Ending without an active break
// changes nothing.
func (e *Engine) EndBreak(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerScreenTimeStatus, error) {
	now := e.now()
	lc, err := e.load(ctx, tenantID, learnerID, now)
	if err != nil {
		return nil, err
	}

	state, ended, err := e.ledger.EndBreak(ctx, lc.day, now)
	if err != nil {
		return nil, err
	}
	if ended {
		details := map[string]interface{}{}
		if state.LastBreakAt != nil {
			details["break_minutes"] = int(now.Sub(*state.LastBreakAt) / time.Minute)
		}
		e.dispatcher.Emit(models.NewScreenTimeEvent(tenantID, models.EventBreakEnd).
			WithLearner(learnerID).
			WithSession(state.SessionID).
			At(now).
			WithDetails(details))
	}
	return lc.status(state, now), nil
}

// CreateOverride issues a parent override for the learner
func (e *Engine) CreateOverride(ctx context.Context, req override.CreateRequest) (*models.ParentOverride, error) {
	return e.overrides.Create(ctx, req)
}

// ListEvents returns the learner's events, newest first
func (e *Engine) ListEvents(ctx context.Context, tenantID, learnerID uuid.UUID, limit, offset int) ([]*models.ScreenTimeEvent, error) {
	if limit <= 0 {
		limit = defaultEventPageSize
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}
	if offset < 0 {
		offset = 0
	}

	list, err := e.events.ListByLearner(ctx, tenantID, learnerID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list events", err)
	}
	if list == nil {
		list = []*models.ScreenTimeEvent{}
	}
	return list, nil
}

// SweepLearner performs the time-driven transitions of one learner: an idle
// session is closed, and enforcement that depends only on the clock (a
// closing availability window, an elapsed break) is brought up to date.
// No usage is charged and no warnings are raised.
func (e *Engine) SweepLearner(ctx context.Context, tenantID, learnerID uuid.UUID) (*SweepResult, error) {
	now := e.now()
	lc, err := e.load(ctx, tenantID, learnerID, now)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}

	closed, err := e.ledger.CloseSession(ctx, lc.day, now.Add(-e.idleTimeout))
	if err != nil {
		return nil, err
	}
	if closed != "" {
		result.ClosedSession = closed
		e.dispatcher.Emit(models.NewScreenTimeEvent(tenantID, models.EventSessionEnd).
			WithLearner(learnerID).
			WithSession(closed).
			At(now).
			WithDetails(map[string]interface{}{"reason": "idle"}))
		if lc.usage, err = e.ledger.GetState(ctx, lc.day); err != nil {
			return nil, err
		}
	}

	d := enforcement.Decide(enforcement.Input{
		Policy:       lc.policy,
		Usage:        lc.usage,
		Availability: lc.availability,
		Overrides:    lc.overrides,
		SessionID:    lc.usage.SessionID,
		Now:          now,
	})

	effects := make([]enforcement.Effect, 0, len(d.Effects))
	for _, effect := range d.Effects {
		if effect.Kind != enforcement.EffectRecordWarning {
			effects = append(effects, effect)
		}
	}
	if _, err := e.dispatcher.Dispatch(ctx, lc.day, effects); err != nil {
		return nil, err
	}
	result.Action = d.Action

	return result, nil
}

// learnerContext is everything a learner operation reads before acting
type learnerContext struct {
	policy       *models.ScreenTimePolicy
	day          ledger.Day
	usage        *models.LearnerUsageState
	availability models.Availability
	overrides    *models.ActiveOverrides
}

func (lc *learnerContext) status(usage *models.LearnerUsageState, now time.Time) *models.LearnerScreenTimeStatus {
	return enforcement.BuildStatus(lc.policy, usage, lc.availability, lc.overrides, now)
}

func (e *Engine) load(ctx context.Context, tenantID, learnerID uuid.UUID, now time.Time) (*learnerContext, error) {
	policy, err := e.policies.Resolve(ctx, tenantID, learnerID)
	if err != nil {
		return nil, err
	}

	day := ledger.DayOf(tenantID, learnerID, now, policy.Location())
	usage, err := e.ledger.GetState(ctx, day)
	if err != nil {
		return nil, err
	}

	active, err := e.overrides.GetActive(ctx, tenantID, learnerID, now)
	if err != nil {
		return nil, err
	}
	active = active.ForDay(day.Key.Date, policy.Location())

	return &learnerContext{
		policy:       policy,
		day:          day,
		usage:        usage,
		availability: availability.CheckAvailability(policy.Schedule, now),
		overrides:    active,
	}, nil
}

func (e *Engine) chargeOverrides(ctx context.Context, lc *learnerContext, before *models.LearnerUsageState, applied int) {
	for _, c := range enforcement.OverrideConsumption(lc.policy, lc.overrides, before, applied) {
		if err := e.overrides.RecordUsage(ctx, c.OverrideID, c.Minutes); err != nil {
			observability.FromContext(ctx, e.logger).Warn("failed to record override usage",
				zap.String("override_id", c.OverrideID.String()),
				zap.Int("minutes", c.Minutes),
				zap.Error(err))
		}
	}
}

// trackSession records SessionStart when the caller moves to a new session,
// closing the previous one with SessionEnd
func (e *Engine) trackSession(ctx context.Context, lc *learnerContext, sessionID string, now time.Time) {
	if sessionID == "" || sessionID == lc.usage.SessionID {
		return
	}

	previous, changed, err := e.ledger.SetSession(ctx, lc.day, sessionID)
	if err != nil {
		observability.FromContext(ctx, e.logger).Warn("failed to track session",
			zap.String("key", lc.day.Key.String()),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	if !changed {
		return
	}

	learnerID := lc.day.Key.LearnerID
	tenantID := lc.day.Key.TenantID
	if previous != "" {
		e.dispatcher.Emit(models.NewScreenTimeEvent(tenantID, models.EventSessionEnd).
			WithLearner(learnerID).
			WithSession(previous).
			At(now).
			WithDetails(map[string]interface{}{"reason": "superseded", "next_session_id": sessionID}))
	}
	e.dispatcher.Emit(models.NewScreenTimeEvent(tenantID, models.EventSessionStart).
		WithLearner(learnerID).
		WithSession(sessionID).
		At(now))
}
