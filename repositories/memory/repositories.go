package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
)

// PolicyRepository implements repositories.PolicyRepository in memory
type PolicyRepository struct {
	mu       sync.RWMutex
	policies map[uuid.UUID]*models.ScreenTimePolicy
}

// NewPolicyRepository creates an empty in-memory policy repository
func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{policies: make(map[uuid.UUID]*models.ScreenTimePolicy)}
}

// Create creates a new policy
func (r *PolicyRepository) Create(ctx context.Context, policy *models.ScreenTimePolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[policy.ID]; exists {
		return fmt.Errorf("policy already exists: %s", policy.ID)
	}
	p := *policy
	r.policies[policy.ID] = &p
	return nil
}

// GetByID retrieves a policy by ID
func (r *PolicyRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ScreenTimePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	if !ok || p.TenantID != tenantID {
		return nil, fmt.Errorf("policy not found: %s: %w", id, repositories.ErrNotFound)
	}
	c := *p
	return &c, nil
}

// ListByTenant retrieves every policy of a tenant
func (r *PolicyRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.ScreenTimePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ScreenTimePolicy
	for _, p := range r.policies {
		if p.TenantID == tenantID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetApplicable retrieves enabled policies attached to any of the given scopes
func (r *PolicyRepository) GetApplicable(ctx context.Context, tenantID uuid.UUID, scopes map[models.PolicyScope][]uuid.UUID) ([]*models.ScreenTimePolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ScreenTimePolicy
	for _, p := range r.policies {
		if p.TenantID != tenantID || !p.Enabled {
			continue
		}
		for _, id := range scopes[p.Scope] {
			if id == p.ScopeID {
				c := *p
				out = append(out, &c)
				break
			}
		}
	}
	return out, nil
}

// Update updates an existing policy
func (r *PolicyRepository) Update(ctx context.Context, policy *models.ScreenTimePolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.policies[policy.ID]
	if !ok || existing.TenantID != policy.TenantID {
		return fmt.Errorf("policy not found: %s: %w", policy.ID, repositories.ErrNotFound)
	}
	p := *policy
	r.policies[policy.ID] = &p
	return nil
}

// Delete deletes a policy
func (r *PolicyRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.policies[id]
	if !ok || existing.TenantID != tenantID {
		return fmt.Errorf("policy not found: %s: %w", id, repositories.ErrNotFound)
	}
	delete(r.policies, id)
	return nil
}

// MembershipRepository implements repositories.MembershipRepository in memory
type MembershipRepository struct {
	mu          sync.RWMutex
	memberships map[string]*models.LearnerMembership
}

// NewMembershipRepository creates an empty in-memory membership repository
func NewMembershipRepository() *MembershipRepository {
	return &MembershipRepository{memberships: make(map[string]*models.LearnerMembership)}
}

// Get retrieves the memberships of a learner
func (r *MembershipRepository) Get(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerMembership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.memberships[tenantID.String()+":"+learnerID.String()]
	if !ok {
		return nil, fmt.Errorf("membership not found: %s: %w", learnerID, repositories.ErrNotFound)
	}
	c := *m
	c.SchoolIDs = append([]uuid.UUID{}, m.SchoolIDs...)
	c.ClassIDs = append([]uuid.UUID{}, m.ClassIDs...)
	return &c, nil
}

// Upsert creates or replaces the memberships of a learner
func (r *MembershipRepository) Upsert(ctx context.Context, m *models.LearnerMembership) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *m
	r.memberships[m.TenantID.String()+":"+m.LearnerID.String()] = &c
	return nil
}

// OverrideRepository implements repositories.OverrideRepository in memory
type OverrideRepository struct {
	mu        sync.RWMutex
	overrides map[uuid.UUID]*models.ParentOverride
}

// NewOverrideRepository creates an empty in-memory override repository
func NewOverrideRepository() *OverrideRepository {
	return &OverrideRepository{overrides: make(map[uuid.UUID]*models.ParentOverride)}
}

// Create creates a new override
func (r *OverrideRepository) Create(ctx context.Context, o *models.ParentOverride) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *o
	r.overrides[o.ID] = &c
	return nil
}

// ListActive retrieves overrides of a learner not yet expired at now, oldest first
func (r *OverrideRepository) ListActive(ctx context.Context, tenantID, learnerID uuid.UUID, now time.Time) ([]*models.ParentOverride, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ParentOverride
	for _, o := range r.overrides {
		if o.TenantID == tenantID && o.LearnerID == learnerID && o.IsActive(now) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddUsedMinutes accumulates minutes consumed under an override
func (r *OverrideRepository) AddUsedMinutes(ctx context.Context, id uuid.UUID, minutes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.overrides[id]
	if !ok {
		return fmt.Errorf("override not found: %s: %w", id, repositories.ErrNotFound)
	}
	o.UsedMinutes += minutes
	return nil
}

// DeleteExpired removes overrides that expired before now
func (r *OverrideRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, o := range r.overrides {
		if !o.IsActive(now) {
			delete(r.overrides, id)
			deleted++
		}
	}
	return deleted, nil
}

// EventRepository implements repositories.EventRepository in memory
type EventRepository struct {
	mu     sync.RWMutex
	events []*models.ScreenTimeEvent
}

// NewEventRepository creates an empty in-memory event log
func NewEventRepository() *EventRepository {
	return &EventRepository{}
}

// Insert appends an event
func (r *EventRepository) Insert(ctx context.Context, event *models.ScreenTimeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *event
	r.events = append(r.events, &c)
	return nil
}

// ListByLearner retrieves a learner's events, newest first, with pagination
func (r *EventRepository) ListByLearner(ctx context.Context, tenantID, learnerID uuid.UUID, limit, offset int) ([]*models.ScreenTimeEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ScreenTimeEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.TenantID == tenantID && e.LearnerID != nil && *e.LearnerID == learnerID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return []*models.ScreenTimeEvent{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// All returns every recorded event in insertion order
func (r *EventRepository) All() []*models.ScreenTimeEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.ScreenTimeEvent{}, r.events...)
}

// TransactionManager runs functions directly; the memory repositories are
// individually synchronized and have no multi-statement atomicity.
type TransactionManager struct{}

// Begin starts a no-op transaction
func (TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return noopTx{ctx: ctx}, nil
}

// InTransaction executes fn
func (TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, noopTx{ctx: ctx})
}

type noopTx struct{ ctx context.Context }

func (noopTx) Commit() error              { return nil }
func (noopTx) Rollback() error            { return nil }
func (t noopTx) Context() context.Context { return t.ctx }

// NewRepositories creates a full in-memory repository set
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Policies:    NewPolicyRepository(),
		Memberships: NewMembershipRepository(),
		Overrides:   NewOverrideRepository(),
		Events:      NewEventRepository(),
		Usage:       NewUsageStore(),
	}
}
