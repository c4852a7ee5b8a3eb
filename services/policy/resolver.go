package policy

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"github.com/upb/screentime-engine/services"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver selects the single effective policy of a learner
type Resolver struct {
	policies    repositories.PolicyRepository
	memberships repositories.MembershipRepository
	cache       *PolicyCache
	group       singleflight.Group
	logger      *zap.Logger
}

// NewResolver creates a new Resolver instance
func NewResolver(policies repositories.PolicyRepository, memberships repositories.MembershipRepository, cache *PolicyCache, logger *zap.Logger) *Resolver {
	return &Resolver{
		policies:    policies,
		memberships: memberships,
		cache:       cache,
		logger:      logger,
	}
}

// Resolve returns the most specific enabled policy for the learner, or the
// built-in default when no scope defines one. Fails with PolicyUnavailable
// when membership or policy data cannot be read.
func (r *Resolver) Resolve(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.ScreenTimePolicy, error) {
	key := CacheKey{TenantID: tenantID, LearnerID: learnerID}
	if cached := r.cache.Get(key); cached != nil {
		return cached, nil
	}

	// Concurrent misses for the same learner share one lookup
	v, err, shared := r.group.Do(key.String(), func() (interface{}, error) {
		gen := r.cache.Generation()
		policy, err := r.load(ctx, tenantID, learnerID)
		if err != nil {
			return nil, err
		}
		r.cache.SetIfGeneration(key, policy, gen)
		return policy, nil
	})
	if err != nil {
		return nil, err
	}

	policy := v.(*models.ScreenTimePolicy)
	r.logger.Debug("resolved effective policy",
		zap.String("tenant_id", tenantID.String()),
		zap.String("learner_id", learnerID.String()),
		zap.String("scope", string(policy.Scope)),
		zap.Bool("default", policy.IsDefault),
		zap.Bool("shared", shared))
	return policy, nil
}

func (r *Resolver) load(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.ScreenTimePolicy, error) {
	membership, err := r.memberships.Get(ctx, tenantID, learnerID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		// Unassigned learners only see tenant and learner scopes
		membership = &models.LearnerMembership{TenantID: tenantID, LearnerID: learnerID}
	case err != nil:
		r.logger.Error("membership lookup failed",
			zap.String("learner_id", learnerID.String()),
			zap.Error(err))
		return nil, services.WrapPolicyUnavailable("membership lookup failed", err)
	}

	candidates, err := r.policies.GetApplicable(ctx, tenantID, membership.ScopeIDs())
	if err != nil {
		r.logger.Error("policy lookup failed",
			zap.String("learner_id", learnerID.String()),
			zap.Error(err))
		return nil, services.WrapPolicyUnavailable("policy lookup failed", err)
	}

	if selected := SelectMostSpecific(candidates); selected != nil {
		return selected, nil
	}
	return models.DefaultPolicy(tenantID), nil
}

// SelectMostSpecific picks learner > class > school > tenant among enabled
// policies. Ties within a scope go to the highest Version, then the latest update.
func SelectMostSpecific(candidates []*models.ScreenTimePolicy) *models.ScreenTimePolicy {
	enabled := make([]*models.ScreenTimePolicy, 0, len(candidates))
	for _, p := range candidates {
		if p != nil && p.Enabled {
			enabled = append(enabled, p)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		pi, pj := enabled[i], enabled[j]
		if si, sj := pi.Scope.Specificity(), pj.Scope.Specificity(); si != sj {
			return si > sj
		}
		if pi.Version != pj.Version {
			return pi.Version > pj.Version
		}
		return pi.UpdatedAt.After(pj.UpdatedAt)
	})
	return enabled[0]
}

// Invalidate drops cached resolutions affected by a change to policy
func (r *Resolver) Invalidate(policy *models.ScreenTimePolicy) {
	if policy.Scope == models.ScopeLearner {
		r.InvalidateLearner(policy.TenantID, policy.ScopeID)
		r.logger.Debug("invalidated cached policy for learner",
			zap.String("learner_id", policy.ScopeID.String()))
		return
	}
	// School, class and tenant policies reach learners through memberships
	removed := r.cache.InvalidateTenant(policy.TenantID)
	r.logger.Debug("invalidated cached policies for tenant",
		zap.String("tenant_id", policy.TenantID.String()),
		zap.Int("removed", removed))
}

// InvalidateLearner drops the cached resolution of one learner
func (r *Resolver) InvalidateLearner(tenantID, learnerID uuid.UUID) {
	r.cache.InvalidateLearner(tenantID, learnerID)
	r.group.Forget(CacheKey{TenantID: tenantID, LearnerID: learnerID}.String())
}

// CacheStats returns cache statistics
func (r *Resolver) CacheStats() CacheStats {
	return r.cache.Stats()
}

// CleanupCache removes expired cache entries
func (r *Resolver) CleanupCache() int {
	return r.cache.CleanupExpired()
}
