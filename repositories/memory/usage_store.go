// Package memory provides in-process repository implementations for
// single-node deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/repositories"
)

// UsageStore implements repositories.UsageStore in memory. Records are
// cloned on the way in and out so callers never share state.
type UsageStore struct {
	mu      sync.Mutex
	records map[string]*models.LearnerUsageState
}

// NewUsageStore creates an empty in-memory usage store
func NewUsageStore() *UsageStore {
	return &UsageStore{records: make(map[string]*models.LearnerUsageState)}
}

// Get retrieves a record
func (s *UsageStore) Get(ctx context.Context, key models.UsageKey) (*models.LearnerUsageState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.records[key.String()]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return state.Clone(), nil
}

// Increment atomically adds delta to both counters, up to ceiling
func (s *UsageStore) Increment(ctx context.Context, key models.UsageKey, delta int, ceiling repositories.Ceiling, now, expiresAt time.Time) (*models.LearnerUsageState, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.records[key.String()]
	if !ok {
		state = models.NewLearnerUsageState(key, expiresAt)
		s.records[key.String()] = state
	}
	applied := ceiling.Room(state.DailyUsedMinutes, state.CurrentSessionMinutes, delta)
	state.DailyUsedMinutes += applied
	state.CurrentSessionMinutes += applied
	at := now
	state.LastActivityAt = &at
	state.Version++
	return state.Clone(), applied, nil
}

// CompareAndSwap stores state when the persisted version matches
func (s *UsageStore) CompareAndSwap(ctx context.Context, state *models.LearnerUsageState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := state.Key().String()
	current, ok := s.records[k]
	switch {
	case !ok && state.Version != 0:
		return repositories.ErrVersionConflict
	case ok && current.Version != state.Version:
		return repositories.ErrVersionConflict
	}

	state.Version++
	s.records[k] = state.Clone()
	return nil
}

// ListActiveSince retrieves records of a date with activity at or after since
func (s *UsageStore) ListActiveSince(ctx context.Context, date string, since time.Time) ([]*models.LearnerUsageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var states []*models.LearnerUsageState
	for _, state := range s.records {
		if state.Date != date || state.LastActivityAt == nil || state.LastActivityAt.Before(since) {
			continue
		}
		states = append(states, state.Clone())
	}
	return states, nil
}

// PurgeExpired removes records whose expiry is before now
func (s *UsageStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for k, state := range s.records {
		if state.ExpiresAt.Before(now) {
			delete(s.records, k)
			purged++
		}
	}
	return purged, nil
}
