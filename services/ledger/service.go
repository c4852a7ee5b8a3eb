package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
	"github.com/upb/screentime-engine/services"
	"go.uber.org/zap"
)

// Config holds ledger write settings
type Config struct {
	WriteTimeout time.Duration // Bound on every store round trip
	MaxRetries   int           // CompareAndSwap attempts before ConcurrentModification
	RetryBackoff time.Duration // Base delay between attempts, grows linearly
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 2 * time.Second,
		MaxRetries:   5,
		RetryBackoff: 5 * time.Millisecond,
	}
}

// Day addresses one learner's ledger record and its expiry
type Day struct {
	Key       models.UsageKey
	ExpiresAt time.Time
}

// DayOf returns the ledger day containing now in the policy timezone
func DayOf(tenantID, learnerID uuid.UUID, now time.Time, loc *time.Location) Day {
	key := models.NewUsageKey(tenantID, learnerID, now, loc)
	return Day{Key: key, ExpiresAt: models.DayExpiry(key.Date, loc)}
}

// IncrementResult carries the counters around one atomic increment
type IncrementResult struct {
	PreviousDailyMinutes int
	AppliedMinutes       int // Less than requested when the ceiling was reached
	State                *models.LearnerUsageState
}

// Service is the usage ledger: per-learner, per-day counters and break,
// warning and enforcement bookkeeping on top of a UsageStore
type Service struct {
	store  repositories.UsageStore
	config Config
	logger *zap.Logger
}

// NewService creates a new ledger Service
func NewService(store repositories.UsageStore, config Config, logger *zap.Logger) *Service {
	defaults := DefaultConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	return &Service{
		store:  store,
		config: config,
		logger: logger,
	}
}

// GetState returns the day's record, or an empty one if there is no activity yet
func (s *Service) GetState(ctx context.Context, day Day) (*models.LearnerUsageState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	state, err := s.store.Get(ctx, day.Key)
	if errors.Is(err, repositories.ErrNotFound) {
		return models.NewLearnerUsageState(day.Key, day.ExpiresAt), nil
	}
	if err != nil {
		return nil, s.writeError(ctx, "failed to read usage", err)
	}
	return state, nil
}

// IncrementUsage atomically adds delta to the daily and session counters
// without raising either past ceiling (repositories.NoCeiling for none). The
// previous daily value is derived from the same store operation.
func (s *Service) IncrementUsage(ctx context.Context, day Day, delta int, ceiling repositories.Ceiling, now time.Time) (*IncrementResult, error) {
	if delta < 0 {
		return nil, services.ErrInvalidDuration
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	state, applied, err := s.store.Increment(ctx, day.Key, delta, ceiling, now, day.ExpiresAt)
	if err != nil {
		s.logger.Error("usage increment failed",
			zap.String("key", day.Key.String()),
			zap.Int("delta", delta),
			zap.Error(err))
		return nil, s.writeError(ctx, "failed to increment usage", err)
	}

	return &IncrementResult{
		PreviousDailyMinutes: state.DailyUsedMinutes - applied,
		AppliedMinutes:       applied,
		State:                state,
	}, nil
}

// Mutate applies fn to the current record under optimistic concurrency.
// fn reports whether it changed the state; unchanged states are not written.
// Conflicts are retried up to MaxRetries times before ConcurrentModification.
func (s *Service) Mutate(ctx context.Context, day Day, fn func(state *models.LearnerUsageState) bool) (*models.LearnerUsageState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		current, err := s.store.Get(ctx, day.Key)
		if errors.Is(err, repositories.ErrNotFound) {
			current = models.NewLearnerUsageState(day.Key, day.ExpiresAt)
		} else if err != nil {
			return nil, s.writeError(ctx, "failed to read usage", err)
		}

		next := current.Clone()
		if !fn(next) {
			return current, nil
		}

		err = s.store.CompareAndSwap(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, repositories.ErrVersionConflict) {
			return nil, s.writeError(ctx, "failed to write usage", err)
		}

		s.logger.Debug("usage version conflict, retrying",
			zap.String("key", day.Key.String()),
			zap.Int("attempt", attempt))

		select {
		case <-time.After(time.Duration(attempt) * s.config.RetryBackoff):
		case <-ctx.Done():
			return nil, s.writeError(ctx, "usage write timed out", ctx.Err())
		}
	}

	s.logger.Warn("usage update gave up after retries",
		zap.String("key", day.Key.String()),
		zap.Int("max_retries", s.config.MaxRetries))
	return nil, services.NewDomainError(services.ErrorTypeConcurrentModification,
		fmt.Sprintf("usage record %s changed concurrently %d times", day.Key, s.config.MaxRetries), repositories.ErrVersionConflict)
}

// StartBreak zeroes the session clock, stamps LastBreakAt, counts the break and
// clears a BreakRequired enforcement. Reports false if a break was already active.
func (s *Service) StartBreak(ctx context.Context, day Day, now time.Time) (*models.LearnerUsageState, bool, error) {
	started := false
	state, err := s.Mutate(ctx, day, func(st *models.LearnerUsageState) bool {
		if st.BreakActive {
			started = false
			return false
		}
		started = true
		at := now
		st.CurrentSessionMinutes = 0
		st.LastBreakAt = &at
		st.BreakActive = true
		st.BreaksTakenToday++
		if st.ActiveEnforcement != nil && st.ActiveEnforcement.Type == models.EnforcementBreakRequired {
			st.ActiveEnforcement = nil
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	return state, started, nil
}

// EndBreak zeroes the session clock again. Reports false if no break was active.
func (s *Service) EndBreak(ctx context.Context, day Day, now time.Time) (*models.LearnerUsageState, bool, error) {
	ended := false
	state, err := s.Mutate(ctx, day, func(st *models.LearnerUsageState) bool {
		if !st.BreakActive {
			ended = false
			return false
		}
		ended = true
		st.CurrentSessionMinutes = 0
		st.BreakActive = false
		return true
	})
	if err != nil {
		return nil, false, err
	}
	return state, ended, nil
}

// RecordWarnings pushes warnings onto the active list. Daily-limit warnings
// whose threshold already fired today are skipped; the recorded ones are returned.
func (s *Service) RecordWarnings(ctx context.Context, day Day, warnings []models.Warning) ([]models.Warning, error) {
	var recorded []models.Warning
	_, err := s.Mutate(ctx, day, func(st *models.LearnerUsageState) bool {
		recorded = recorded[:0]
		for _, w := range warnings {
			if w.Type == models.WarningDailyLimitApproaching {
				if st.HasFired(w.Threshold) {
					continue
				}
				st.FiredThresholds = append(st.FiredThresholds, w.Threshold)
			}
			st.PushWarning(w)
			recorded = append(recorded, w)
		}
		return len(recorded) > 0
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// SetEnforcement replaces the active enforcement action
func (s *Service) SetEnforcement(ctx context.Context, day Day, action *models.EnforcementAction) (*models.LearnerUsageState, error) {
	return s.Mutate(ctx, day, func(st *models.LearnerUsageState) bool {
		if sameAction(st.ActiveEnforcement, action) {
			return false
		}
		a := *action
		st.ActiveEnforcement = &a
		return true
	})
}

// ClearEnforcement removes the active enforcement if it is one of types.
// With no types any active enforcement is cleared.
func (s *Service) ClearEnforcement(ctx context.Context, day Day, types ...models.EnforcementType) (*models.LearnerUsageState, error) {
	return s.Mutate(ctx, day, func(st *models.LearnerUsageState) bool {
		if st.ActiveEnforcement == nil {
			return false
		}
		if len(types) == 0 {
			st.ActiveEnforcement = nil
			return true
		}
		for _, t := range types {
			if st.ActiveEnforcement.Type == t {
				st.ActiveEnforcement = nil
				return true
			}
		}
		return false
	})
}

// SetSession records the caller's session ID, returning the one it replaced
func (s *Service) SetSession(ctx context.Context, day Day, sessionID string) (string, bool, error) {
	var previous string
	changed := false
	_, err := s.Mutate(ctx, day, func(st *models.LearnerUsageState) bool {
		previous = st.SessionID
		changed = st.SessionID != sessionID
		if changed {
			st.SessionID = sessionID
		}
		return changed
	})
	if err != nil {
		return "", false, err
	}
	return previous, changed, nil
}

// CloseSession ends an idle session: the session ID is cleared and the session
// clock restarts. Returns the closed session ID, empty if none was open.
func (s *Service) CloseSession(ctx context.Context, day Day, idleSince time.Time) (string, error) {
	var closed string
	_, err := s.Mutate(ctx, day, func(st *models.LearnerUsageState) bool {
		closed = ""
		if st.LastActivityAt != nil && st.LastActivityAt.After(idleSince) {
			return false
		}
		if st.SessionID == "" && st.CurrentSessionMinutes == 0 {
			return false
		}
		closed = st.SessionID
		st.SessionID = ""
		st.CurrentSessionMinutes = 0
		return true
	})
	if err != nil {
		return "", err
	}
	return closed, nil
}

// ActiveSince lists records with activity at or after since. Every calendar
// date a timezone can be on at now is scanned.
func (s *Service) ActiveSince(ctx context.Context, now, since time.Time) ([]*models.LearnerUsageState, error) {
	var states []*models.LearnerUsageState
	seen := make(map[string]bool)
	for _, offset := range []int{-1, 0, 1} {
		date := now.UTC().AddDate(0, 0, offset).Format(models.DateLayout)
		if seen[date] {
			continue
		}
		seen[date] = true

		batch, err := s.store.ListActiveSince(ctx, date, since)
		if err != nil {
			return nil, fmt.Errorf("failed to list active usage for %s: %w", date, err)
		}
		states = append(states, batch...)
	}
	return states, nil
}

// PurgeExpired removes records past their expiry
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.store.PurgeExpired(ctx, now)
}

// writeError maps a store failure to LedgerWriteFailed, naming timeouts
func (s *Service) writeError(ctx context.Context, message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return services.WrapLedgerWrite(fmt.Sprintf("%s: timed out after %v", message, s.config.WriteTimeout), err)
	}
	return services.WrapLedgerWrite(message, err)
}

func sameAction(a, b *models.EnforcementAction) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type == b.Type && a.Reason == b.Reason
}
