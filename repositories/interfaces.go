package repositories

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a compare-and-swap loses to a concurrent writer
	ErrVersionConflict = errors.New("version conflict")
)

// Uncapped is the Increment ceiling that never limits a counter
const Uncapped = math.MaxInt32

// Ceiling bounds one Increment: neither the daily nor the session counter is
// raised past its limit
type Ceiling struct {
	Daily   int
	Session int
}

// NoCeiling leaves both counters unbounded
var NoCeiling = Ceiling{Daily: Uncapped, Session: Uncapped}

// Room is the most of delta that fits under both limits, never negative
func (c Ceiling) Room(daily, session, delta int) int {
	applied := min(delta, c.Daily-daily, c.Session-session)
	if applied < 0 {
		return 0
	}
	return applied
}

// TransactionManager handles database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PolicyRepository handles screen-time policy persistence
type PolicyRepository interface {
	// Create creates a new policy
	Create(ctx context.Context, policy *models.ScreenTimePolicy) error

	// GetByID retrieves a policy by ID
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.ScreenTimePolicy, error)

	// ListByTenant retrieves every policy of a tenant
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.ScreenTimePolicy, error)

	// GetApplicable retrieves enabled policies attached to any of the given scopes
	GetApplicable(ctx context.Context, tenantID uuid.UUID, scopes map[models.PolicyScope][]uuid.UUID) ([]*models.ScreenTimePolicy, error)

	// Update updates an existing policy
	Update(ctx context.Context, policy *models.ScreenTimePolicy) error

	// Delete deletes a policy
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}

// MembershipRepository handles learner scope memberships
type MembershipRepository interface {
	// Get retrieves the memberships of a learner
	Get(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerMembership, error)

	// Upsert creates or replaces the memberships of a learner
	Upsert(ctx context.Context, membership *models.LearnerMembership) error
}

// OverrideRepository handles parent override persistence
type OverrideRepository interface {
	// Create creates a new override
	Create(ctx context.Context, override *models.ParentOverride) error

	// ListActive retrieves overrides of a learner not yet expired at now, oldest first
	ListActive(ctx context.Context, tenantID, learnerID uuid.UUID, now time.Time) ([]*models.ParentOverride, error)

	// AddUsedMinutes accumulates minutes consumed under an override
	AddUsedMinutes(ctx context.Context, id uuid.UUID, minutes int) error

	// DeleteExpired removes overrides that expired before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// EventRepository handles the append-only screen-time event log
type EventRepository interface {
	// Insert appends an event
	Insert(ctx context.Context, event *models.ScreenTimeEvent) error

	// ListByLearner retrieves a learner's events, newest first, with pagination
	ListByLearner(ctx context.Context, tenantID, learnerID uuid.UUID, limit, offset int) ([]*models.ScreenTimeEvent, error)
}

// UsageStore is the fast key-value tier behind the usage ledger
type UsageStore interface {
	// Get retrieves a record, returning ErrNotFound when none exists
	Get(ctx context.Context, key models.UsageKey) (*models.LearnerUsageState, error)

	// Increment atomically adds delta to the daily and session counters, creating
	// the record when absent. Neither counter is raised past its ceiling; the
	// minutes actually applied are returned with the record as of this increment.
	Increment(ctx context.Context, key models.UsageKey, delta int, ceiling Ceiling, now, expiresAt time.Time) (*models.LearnerUsageState, int, error)

	// CompareAndSwap stores state if the persisted version equals state.Version,
	// bumping the version; returns ErrVersionConflict otherwise
	CompareAndSwap(ctx context.Context, state *models.LearnerUsageState) error

	// ListActiveSince retrieves records of a date with activity at or after since
	ListActiveSince(ctx context.Context, date string, since time.Time) ([]*models.LearnerUsageState, error)

	// PurgeExpired removes records whose expiry is before now. Durable stores may
	// keep them and return 0.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Policies    PolicyRepository
	Memberships MembershipRepository
	Overrides   OverrideRepository
	Events      EventRepository
	Usage       UsageStore
}
