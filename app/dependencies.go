package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/screentime-engine/auth"
	"github.com/upb/screentime-engine/config"
	"github.com/upb/screentime-engine/middleware"
	"github.com/upb/screentime-engine/repositories"
	"github.com/upb/screentime-engine/repositories/memory"
	"github.com/upb/screentime-engine/repositories/postgres"
	"github.com/upb/screentime-engine/repositories/sqlite"
	"github.com/upb/screentime-engine/services/events"
	"github.com/upb/screentime-engine/services/ledger"
	"github.com/upb/screentime-engine/services/override"
	"github.com/upb/screentime-engine/services/policy"
	"github.com/upb/screentime-engine/services/screentime"
	"github.com/upb/screentime-engine/services/sweep"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil unless a component uses postgres
	Logger *zap.Logger

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Services
	Resolver   *policy.Resolver
	Policies   *policy.PolicyService
	Ledger     *ledger.Service
	Overrides  *override.Service
	Recorder   *events.Recorder
	Dispatcher *events.Dispatcher
	Engine     *screentime.Engine
	Sweeper    *sweep.Sweeper

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	sqliteLedger *sqlite.UsageStore
	started      bool
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("ledger", cfg.Ledger.Driver))
	return deps, nil
}

// initStorage opens the durable store and the usage ledger
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	var pgRepos *repositories.Repositories
	if cfg.UsesPostgres() {
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.DB = factory.GetDB()

		if cfg.Database.AutoMigrate {
			if err := factory.InitSchema(ctx); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
		}
		pgRepos = factory.NewRepositories()
		d.TxManager = factory.GetTransactionManager()
	}

	if cfg.Storage.Driver == "postgres" {
		d.Repos = &repositories.Repositories{
			Policies:    pgRepos.Policies,
			Memberships: pgRepos.Memberships,
			Overrides:   pgRepos.Overrides,
			Events:      pgRepos.Events,
		}
	} else {
		d.Repos = memory.NewRepositories()
		d.TxManager = memory.TransactionManager{}
	}

	switch cfg.Ledger.Driver {
	case "postgres":
		d.Repos.Usage = pgRepos.Usage
	case "sqlite":
		store, err := sqlite.New(cfg.Ledger.SQLitePath, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		d.sqliteLedger = store
		d.Repos.Usage = store
	default:
		d.Repos.Usage = memory.NewUsageStore()
	}

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices builds the policy, ledger, override, event and engine layers
func (d *Dependencies) initServices(cfg *config.Config) error {
	d.Recorder = events.NewRecorder(d.Repos.Events, events.NewLogPublisher(d.Logger), d.Logger, events.Config{
		BufferSize:  cfg.Events.BufferSize,
		WorkerCount: cfg.Events.WorkerCount,
	})

	cache := policy.NewPolicyCache(cfg.PolicyCache.MaxSize, cfg.PolicyCache.TTL)
	d.Resolver = policy.NewResolver(d.Repos.Policies, d.Repos.Memberships, cache, d.Logger)
	d.Policies = policy.NewPolicyService(d.Repos.Policies, d.Repos.Memberships, d.TxManager, d.Resolver, d.Recorder, d.Logger)

	ledgerCfg := ledger.DefaultConfig()
	ledgerCfg.WriteTimeout = cfg.Ledger.WriteTimeout
	ledgerCfg.MaxRetries = cfg.Ledger.MaxRetries
	d.Ledger = ledger.NewService(d.Repos.Usage, ledgerCfg, d.Logger)

	d.Overrides = override.NewService(d.Repos.Overrides, d.Repos.Memberships, d.Resolver, d.Ledger,
		d.Recorder, cfg.Engine.MaxOverrideDuration, d.Logger)
	d.Dispatcher = events.NewDispatcher(d.Ledger, d.Recorder, d.Logger)
	d.Engine = screentime.NewEngine(d.Resolver, d.Ledger, d.Overrides, d.Dispatcher, d.Repos.Events,
		cfg.Engine.SessionIdleTimeout, d.Logger)
	d.Sweeper = sweep.NewSweeper(d.Engine, d.Ledger, d.Overrides, d.Resolver, cfg.Engine.SweepInterval, d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("jwt secret not configured, protected routes will reject all requests")
	}
	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
}

// LedgerPinger returns the embedded ledger store when one is open, nil otherwise
func (d *Dependencies) LedgerPinger() interface{ Ping(context.Context) error } {
	if d.sqliteLedger == nil {
		return nil
	}
	return d.sqliteLedger
}

// Start launches the background workers
func (d *Dependencies) Start() error {
	if err := d.Recorder.Start(); err != nil {
		return fmt.Errorf("failed to start event recorder: %w", err)
	}
	go d.Sweeper.Start()
	d.started = true
	return nil
}

// Close gracefully shuts down all dependencies. Workers are stopped before
// the stores they write to are closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.started {
		d.Sweeper.Stop()
		d.started = false
	}

	if d.Recorder != nil {
		if err := d.Recorder.Stop(d.Config.Events.StopTimeout); err != nil && !errors.Is(err, events.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("failed to stop event recorder: %w", err))
		}
	}

	errs = append(errs, d.closeStores()...)

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}

func (d *Dependencies) closeStores() []error {
	var errs []error
	if d.sqliteLedger != nil {
		if err := d.sqliteLedger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sqlite ledger: %w", err))
		}
		d.sqliteLedger = nil
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		d.DB = nil
	}
	return errs
}
