package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/upb/screentime-engine/services/events"
	"github.com/upb/screentime-engine/services/policy"
	"github.com/upb/screentime-engine/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string             `json:"status"`
	Timestamp   string             `json:"timestamp"`
	Checks      map[string]string  `json:"checks,omitempty"`
	PolicyCache *policy.CacheStats `json:"policy_cache,omitempty"`
	Events      *events.Stats      `json:"events,omitempty"`
}

// CacheStatsProvider reports resolver cache statistics
type CacheStatsProvider interface {
	CacheStats() policy.CacheStats
}

// RecorderStatsProvider reports event recorder statistics
type RecorderStatsProvider interface {
	GetStats() events.Stats
}

// Pinger reports whether a store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db       *sql.DB
	ledger   Pinger
	cache    CacheStatsProvider
	recorder RecorderStatsProvider
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db, cache and recorder may be nil.
func NewHealthHandler(db *sql.DB, cache CacheStatsProvider, recorder RecorderStatsProvider, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		cache:    cache,
		recorder: recorder,
		logger:   logger,
	}
}

// WithLedger adds a readiness check for a usage ledger kept outside the database
func (h *HealthHandler) WithLedger(ledger Pinger) *HealthHandler {
	h.ledger = ledger
	return h
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - validates that all dependencies are available
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	if h.ledger != nil {
		if err := h.ledger.Ping(ctx); err != nil {
			h.logger.Warn("ledger health check failed", zap.Error(err))
			checks["ledger"] = "unhealthy"
			allHealthy = false
		} else {
			checks["ledger"] = "healthy"
		}
	}

	response := HealthResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if h.recorder != nil {
		stats := h.recorder.GetStats()
		response.Events = &stats
		if stats.Started {
			checks["events"] = "healthy"
		} else {
			checks["events"] = "stopped"
			allHealthy = false
		}
	}
	if h.cache != nil {
		stats := h.cache.CacheStats()
		response.PolicyCache = &stats
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	response.Status = status

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil // memory storage
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}
