package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/screentime-engine/middleware"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/services/policy"
	"github.com/upb/screentime-engine/utils"
	"go.uber.org/zap"
)

// PolicyService defines the interface for policy administration
type PolicyService interface {
	// Create stores a new policy for the tenant
	Create(ctx context.Context, tenantID uuid.UUID, req policy.PolicyRequest) (*models.ScreenTimePolicy, error)

	// Get retrieves a policy by ID
	Get(ctx context.Context, tenantID, id uuid.UUID) (*models.ScreenTimePolicy, error)

	// List lists all policies of the tenant
	List(ctx context.Context, tenantID uuid.UUID) ([]*models.ScreenTimePolicy, error)

	// Update replaces a policy, bumping its version
	Update(ctx context.Context, tenantID, id uuid.UUID, req policy.PolicyRequest) (*models.ScreenTimePolicy, error)

	// Delete deletes a policy
	Delete(ctx context.Context, tenantID, id uuid.UUID) error

	// SetMemberships replaces the school and class scopes of a learner
	SetMemberships(ctx context.Context, tenantID, learnerID uuid.UUID, req policy.MembershipRequest) (*models.LearnerMembership, error)
}

// PolicyHandler handles policy-related HTTP requests
type PolicyHandler struct {
	policies PolicyService
	logger   *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(policies PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		policies: policies,
		logger:   logger,
	}
}

// HandleListPolicies handles GET /api/v1/policies
func (h *PolicyHandler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	policies, err := h.policies.List(ctx, tenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Debug("listed policies",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.Int("count", len(policies)))

	_ = utils.WriteOK(w, policies)
}

// HandleGetPolicy handles GET /api/v1/policies/{id}
func (h *PolicyHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	policyID, ok := h.policyID(w, r)
	if !ok {
		return
	}

	p, err := h.policies.Get(r.Context(), tenantID, policyID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, p)
}

// HandleCreatePolicy handles POST /api/v1/policies
func (h *PolicyHandler) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req policy.PolicyRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	p, err := h.policies.Create(ctx, tenantID, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy created",
		zap.String("request_id", requestID),
		zap.String("policy_id", p.ID.String()),
		zap.String("scope", string(p.Scope)))

	_ = utils.WriteCreated(w, p)
}

// HandleUpdatePolicy handles PUT /api/v1/policies/{id}
func (h *PolicyHandler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	policyID, ok := h.policyID(w, r)
	if !ok {
		return
	}

	var req policy.PolicyRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	p, err := h.policies.Update(ctx, tenantID, policyID, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy updated",
		zap.String("request_id", requestID),
		zap.String("policy_id", policyID.String()),
		zap.Int("version", p.Version))

	_ = utils.WriteOK(w, p)
}

// HandleDeletePolicy handles DELETE /api/v1/policies/{id}
func (h *PolicyHandler) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	policyID, ok := h.policyID(w, r)
	if !ok {
		return
	}

	if err := h.policies.Delete(ctx, tenantID, policyID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy deleted",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("policy_id", policyID.String()))

	utils.WriteNoContent(w)
}

// HandleSetMemberships handles PUT /api/v1/learners/{learnerID}/memberships
func (h *PolicyHandler) HandleSetMemberships(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	learnerID, err := utils.ParseUUID(chi.URLParam(r, "learnerID"), "learnerID")
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	var req policy.MembershipRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	m, err := h.policies.SetMemberships(ctx, tenantID, learnerID, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, m)
}

func (h *PolicyHandler) tenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID := middleware.GetTenantIDFromContext(r.Context())
	if tenantID == uuid.Nil {
		h.logger.Error("missing tenant ID in context")
		_ = utils.WriteUnauthorized(w, "Missing tenant information")
		return uuid.Nil, false
	}
	return tenantID, true
}

func (h *PolicyHandler) policyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "policy id")
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return uuid.Nil, false
	}
	return id, true
}
