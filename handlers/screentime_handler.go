package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/screentime-engine/middleware"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/services/override"
	"github.com/upb/screentime-engine/services/screentime"
	"github.com/upb/screentime-engine/utils"
	"go.uber.org/zap"
)

// ScreenTimeService defines the learner-facing engine operations
type ScreenTimeService interface {
	GetEffectivePolicy(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.ScreenTimePolicy, error)
	GetStatus(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerScreenTimeStatus, error)
	RecordActivity(ctx context.Context, req screentime.ActivityRequest) (*screentime.ActivityResult, error)
	StartBreak(ctx context.Context, tenantID, learnerID uuid.UUID, breakType models.BreakType) (*models.LearnerScreenTimeStatus, error)
	EndBreak(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerScreenTimeStatus, error)
	CreateOverride(ctx context.Context, req override.CreateRequest) (*models.ParentOverride, error)
	ListEvents(ctx context.Context, tenantID, learnerID uuid.UUID, limit, offset int) ([]*models.ScreenTimeEvent, error)
}

// ScreenTimeHandler handles /learners/{learnerID} requests
type ScreenTimeHandler struct {
	engine ScreenTimeService
	logger *zap.Logger
}

// NewScreenTimeHandler creates a new ScreenTimeHandler
func NewScreenTimeHandler(engine ScreenTimeService, logger *zap.Logger) *ScreenTimeHandler {
	return &ScreenTimeHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleGetPolicy handles GET /api/v1/learners/{learnerID}/policy
func (h *ScreenTimeHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, learnerID, ok := h.learnerScope(w, r)
	if !ok {
		return
	}

	policy, err := h.engine.GetEffectivePolicy(r.Context(), tenantID, learnerID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, policy)
}

// HandleGetStatus handles GET /api/v1/learners/{learnerID}/status
func (h *ScreenTimeHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, learnerID, ok := h.learnerScope(w, r)
	if !ok {
		return
	}

	status, err := h.engine.GetStatus(r.Context(), tenantID, learnerID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, status)
}

// HandleRecordActivity handles POST /api/v1/learners/{learnerID}/activity.
// A denial is a successful response with allowed=false.
func (h *ScreenTimeHandler) HandleRecordActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, learnerID, ok := h.learnerScope(w, r)
	if !ok {
		return
	}

	var req screentime.ActivityRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	req.TenantID = tenantID
	req.LearnerID = learnerID

	result, err := h.engine.RecordActivity(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Debug("activity recorded",
		zap.String("request_id", requestID),
		zap.String("learner_id", learnerID.String()),
		zap.Int("minutes", req.DurationMinutes),
		zap.Bool("allowed", result.Allowed),
		zap.String("rule", string(result.Rule)))

	_ = utils.WriteOK(w, result)
}

// StartBreakRequest is the optional body of POST .../breaks
type StartBreakRequest struct {
	BreakType models.BreakType `json:"break_type"`
}

// HandleStartBreak handles POST /api/v1/learners/{learnerID}/breaks.
// The body may be empty.
func (h *ScreenTimeHandler) HandleStartBreak(w http.ResponseWriter, r *http.Request) {
	tenantID, learnerID, ok := h.learnerScope(w, r)
	if !ok {
		return
	}

	var req StartBreakRequest
	if err := utils.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	status, err := h.engine.StartBreak(r.Context(), tenantID, learnerID, req.BreakType)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, status)
}

// HandleEndBreak handles DELETE /api/v1/learners/{learnerID}/breaks
func (h *ScreenTimeHandler) HandleEndBreak(w http.ResponseWriter, r *http.Request) {
	tenantID, learnerID, ok := h.learnerScope(w, r)
	if !ok {
		return
	}

	status, err := h.engine.EndBreak(r.Context(), tenantID, learnerID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, status)
}

// HandleCreateOverride handles POST /api/v1/learners/{learnerID}/overrides.
// A parent always issues the override under their own ID; staff may name the parent.
func (h *ScreenTimeHandler) HandleCreateOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, learnerID, ok := h.learnerScope(w, r)
	if !ok {
		return
	}

	var req override.CreateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	req.TenantID = tenantID
	req.LearnerID = learnerID

	if claims := middleware.GetClaimsFromContext(ctx); claims != nil && claims.Role == middleware.RoleParent {
		req.ParentID = claims.SubjectID()
	}

	o, err := h.engine.CreateOverride(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("override issued",
		zap.String("request_id", requestID),
		zap.String("override_id", o.ID.String()),
		zap.String("learner_id", learnerID.String()))

	_ = utils.WriteCreated(w, o)
}

// HandleListEvents handles GET /api/v1/learners/{learnerID}/events?limit=&offset=
func (h *ScreenTimeHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, learnerID, ok := h.learnerScope(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid limit", nil)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid offset", nil)
		return
	}

	list, err := h.engine.ListEvents(r.Context(), tenantID, learnerID, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, list)
}

// learnerScope resolves the tenant and learner of the request. Learners may
// only address themselves.
func (h *ScreenTimeHandler) learnerScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ctx := r.Context()

	tenantID := middleware.GetTenantIDFromContext(ctx)
	if tenantID == uuid.Nil {
		h.logger.Error("missing tenant ID in context")
		_ = utils.WriteUnauthorized(w, "Missing tenant information")
		return uuid.Nil, uuid.Nil, false
	}

	learnerID, err := utils.ParseUUID(chi.URLParam(r, "learnerID"), "learnerID")
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return uuid.Nil, uuid.Nil, false
	}

	if claims := middleware.GetClaimsFromContext(ctx); claims != nil &&
		claims.Role == middleware.RoleLearner && claims.SubjectID() != learnerID {
		h.logger.Warn("learner addressed another learner",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("sub", claims.Sub),
			zap.String("learner_id", learnerID.String()))
		_ = utils.WriteForbidden(w, "Access denied to this learner")
		return uuid.Nil, uuid.Nil, false
	}

	return tenantID, learnerID, true
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
