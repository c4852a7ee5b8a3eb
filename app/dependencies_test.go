package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/screentime-engine/config"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/services/policy"
	"github.com/upb/screentime-engine/services/screentime"
	"go.uber.org/zap/zaptest"
)

func TestNewDependencies(t *testing.T) {
	t.Run("memory storage wires every component", func(t *testing.T) {
		ctx := context.Background()
		deps, err := NewDependencies(ctx, testConfig(t), zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = deps.Close(ctx) })

		assert.Nil(t, deps.DB)
		assert.Nil(t, deps.LedgerPinger())
		assert.NotNil(t, deps.Repos.Usage)
		assert.NotNil(t, deps.TxManager)
		assert.NotNil(t, deps.Resolver)
		assert.NotNil(t, deps.Policies)
		assert.NotNil(t, deps.Engine)
		assert.NotNil(t, deps.Sweeper)
		assert.NotNil(t, deps.AuthMiddleware)
	})

	t.Run("sqlite ledger", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Ledger.Driver = "sqlite"
		cfg.Ledger.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NotNil(t, deps.sqliteLedger)
		require.NotNil(t, deps.LedgerPinger())
		assert.NoError(t, deps.LedgerPinger().Ping(ctx))

		assert.NoError(t, deps.Close(ctx))
		assert.Nil(t, deps.sqliteLedger)
	})

	t.Run("database connection failure", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Driver = "postgres"
		cfg.Database.Host = "127.0.0.1"
		cfg.Database.Port = 1
		cfg.Database.User = "dev"
		cfg.Database.Database = "screentime"
		cfg.Database.SSLMode = "disable"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize storage")
	})
}

func TestDependencies_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Ledger.Driver = "sqlite"
	cfg.Ledger.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

	deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, deps.Start())
	t.Cleanup(func() { _ = deps.Close(ctx) })

	tenantID, learnerID := uuid.New(), uuid.New()
	_, err = deps.Policies.SetMemberships(ctx, tenantID, learnerID, policy.MembershipRequest{})
	require.NoError(t, err)

	_, err = deps.Policies.Create(ctx, tenantID, policy.PolicyRequest{
		Scope:             models.ScopeLearner,
		ScopeID:           learnerID,
		DailyLimitMinutes: 30,
		EnforcementLevel:  models.EnforcementStrict,
		WarningThresholds: []int{50},
	})
	require.NoError(t, err)

	first, err := deps.Engine.RecordActivity(ctx, screentime.ActivityRequest{
		TenantID: tenantID, LearnerID: learnerID, ActivityType: "video", DurationMinutes: 20, SessionID: "s1",
	})
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Len(t, first.Warnings, 1)
	assert.Equal(t, 10, first.Status.DailyRemainingMinutes)

	// The second call is charged only up to the daily ceiling
	second, err := deps.Engine.RecordActivity(ctx, screentime.ActivityRequest{
		TenantID: tenantID, LearnerID: learnerID, ActivityType: "video", DurationMinutes: 20, SessionID: "s1",
	})
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 30, second.Status.DailyUsedMinutes)
	assert.Equal(t, 0, second.Status.DailyRemainingMinutes)

	third, err := deps.Engine.RecordActivity(ctx, screentime.ActivityRequest{
		TenantID: tenantID, LearnerID: learnerID, ActivityType: "video", DurationMinutes: 5, SessionID: "s1",
	})
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	require.NotNil(t, third.Action)
	assert.Equal(t, models.EnforcementSessionEnded, third.Action.Type)
	assert.Equal(t, 30, third.Status.DailyUsedMinutes)

	// Events are persisted asynchronously by the recorder
	assert.Eventually(t, func() bool {
		list, err := deps.Engine.ListEvents(ctx, tenantID, learnerID, 100, 0)
		if err != nil {
			return false
		}
		seen := map[models.EventType]bool{}
		for _, e := range list {
			seen[e.Type] = true
		}
		return seen[models.EventWarningTriggered] && seen[models.EventEnforcementApplied]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDependenciesClose(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, deps.Start())

	assert.NoError(t, deps.Close(ctx))
	// Second close is a no-op
	assert.NoError(t, deps.Close(ctx))
}

// Test helpers

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: config.StorageConfig{Driver: "memory"},
		Database: config.DatabaseConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Minute,
		},
		Ledger: config.LedgerConfig{
			Driver:       "memory",
			WriteTimeout: time.Second,
			MaxRetries:   5,
		},
		PolicyCache: config.PolicyCacheConfig{TTL: time.Minute, MaxSize: 100},
		Engine: config.EngineConfig{
			SweepInterval:       time.Hour,
			SessionIdleTimeout:  10 * time.Minute,
			MaxOverrideDuration: 12 * time.Hour,
		},
		Events: config.EventsConfig{BufferSize: 100, WorkerCount: 2, StopTimeout: 2 * time.Second},
		Auth:   config.AuthConfig{JWTSecret: "test-secret"},
		Observability: config.ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "text",
		},
	}
}
