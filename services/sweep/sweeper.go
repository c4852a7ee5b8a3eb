// Package sweep runs the periodic, clock-driven maintenance of the engine:
// idle session closing, time-based enforcement and storage hygiene.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/services/screentime"
	"go.uber.org/zap"
)

// DefaultInterval is the time between sweeps
const DefaultInterval = 60 * time.Second

// Engine performs the per-learner sweep
type Engine interface {
	SweepLearner(ctx context.Context, tenantID, learnerID uuid.UUID) (*screentime.SweepResult, error)
	IdleTimeout() time.Duration
}

// Ledger lists recently active learners and purges expired records
type Ledger interface {
	ActiveSince(ctx context.Context, now, since time.Time) ([]*models.LearnerUsageState, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// OverridePurger deletes overrides no longer in force
type OverridePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// CacheCleaner drops expired policy cache entries
type CacheCleaner interface {
	CleanupCache() int
}

// Stats summarizes one sweep
type Stats struct {
	Learners       int
	ClosedSessions int
	Failures       int
	PurgedUsage    int64
	PurgedOverride int64
	CacheEvicted   int
}

// Sweeper closes idle sessions and purges expired state on a ticker
type Sweeper struct {
	engine    Engine
	ledger    Ledger
	overrides OverridePurger
	cache     CacheCleaner
	interval  time.Duration
	timeout   time.Duration
	now       func() time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	logger    *zap.Logger
}

// NewSweeper creates a new sweeper. interval <= 0 uses DefaultInterval.
func NewSweeper(engine Engine, ledger Ledger, overrides OverridePurger, cache CacheCleaner, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		engine:    engine,
		ledger:    ledger,
		overrides: overrides,
		cache:     cache,
		interval:  interval,
		timeout:   interval,
		now:       time.Now,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Start runs the sweep loop until Stop is called
func (s *Sweeper) Start() {
	defer close(s.done)
	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			s.Sweep(ctx)
			cancel()
		case <-s.stopChan:
			s.logger.Info("sweeper stopped")
			return
		}
	}
}

// Stop ends the loop and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
}

// Sweep performs one cycle. Learners active within the last interval plus
// idle timeout are visited, so every session is seen at least once after it
// goes idle.
func (s *Sweeper) Sweep(ctx context.Context) Stats {
	now := s.now()
	var stats Stats

	since := now.Add(-(s.interval + s.engine.IdleTimeout()))
	states, err := s.ledger.ActiveSince(ctx, now, since)
	if err != nil {
		s.logger.Error("failed to list active learners", zap.Error(err))
		stats.Failures++
	}

	seen := make(map[[2]uuid.UUID]bool, len(states))
	for _, state := range states {
		id := [2]uuid.UUID{state.TenantID, state.LearnerID}
		if seen[id] {
			continue
		}
		seen[id] = true
		stats.Learners++

		result, err := s.engine.SweepLearner(ctx, state.TenantID, state.LearnerID)
		if err != nil {
			stats.Failures++
			s.logger.Warn("failed to sweep learner",
				zap.String("learner_id", state.LearnerID.String()),
				zap.Error(err))
			continue
		}
		if result.ClosedSession != "" {
			stats.ClosedSessions++
		}
	}

	if stats.PurgedOverride, err = s.overrides.PurgeExpired(ctx, now); err != nil {
		stats.Failures++
		s.logger.Warn("failed to purge expired overrides", zap.Error(err))
	}
	if stats.PurgedUsage, err = s.ledger.PurgeExpired(ctx, now); err != nil {
		stats.Failures++
		s.logger.Warn("failed to purge expired usage", zap.Error(err))
	}
	stats.CacheEvicted = s.cache.CleanupCache()

	s.logger.Debug("sweep completed",
		zap.Int("learners", stats.Learners),
		zap.Int("closed_sessions", stats.ClosedSessions),
		zap.Int("failures", stats.Failures),
		zap.Int64("purged_usage", stats.PurgedUsage),
		zap.Int64("purged_overrides", stats.PurgedOverride),
		zap.Int("cache_evicted", stats.CacheEvicted))
	return stats
}
