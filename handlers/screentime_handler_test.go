package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/screentime-engine/middleware"
	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/services"
	"github.com/upb/screentime-engine/services/enforcement"
	"github.com/upb/screentime-engine/services/override"
	"github.com/upb/screentime-engine/services/screentime"
	"go.uber.org/zap"
)

// MockScreenTimeService is a mock implementation of ScreenTimeService
type MockScreenTimeService struct {
	mock.Mock
}

func (m *MockScreenTimeService) GetEffectivePolicy(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.ScreenTimePolicy, error) {
	args := m.Called(ctx, tenantID, learnerID)
	if p := args.Get(0); p != nil {
		return p.(*models.ScreenTimePolicy), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScreenTimeService) GetStatus(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerScreenTimeStatus, error) {
	args := m.Called(ctx, tenantID, learnerID)
	if s := args.Get(0); s != nil {
		return s.(*models.LearnerScreenTimeStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScreenTimeService) RecordActivity(ctx context.Context, req screentime.ActivityRequest) (*screentime.ActivityResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*screentime.ActivityResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScreenTimeService) StartBreak(ctx context.Context, tenantID, learnerID uuid.UUID, breakType models.BreakType) (*models.LearnerScreenTimeStatus, error) {
	args := m.Called(ctx, tenantID, learnerID, breakType)
	if s := args.Get(0); s != nil {
		return s.(*models.LearnerScreenTimeStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScreenTimeService) EndBreak(ctx context.Context, tenantID, learnerID uuid.UUID) (*models.LearnerScreenTimeStatus, error) {
	args := m.Called(ctx, tenantID, learnerID)
	if s := args.Get(0); s != nil {
		return s.(*models.LearnerScreenTimeStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScreenTimeService) CreateOverride(ctx context.Context, req override.CreateRequest) (*models.ParentOverride, error) {
	args := m.Called(ctx, req)
	if o := args.Get(0); o != nil {
		return o.(*models.ParentOverride), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScreenTimeService) ListEvents(ctx context.Context, tenantID, learnerID uuid.UUID, limit, offset int) ([]*models.ScreenTimeEvent, error) {
	args := m.Called(ctx, tenantID, learnerID, limit, offset)
	if e := args.Get(0); e != nil {
		return e.([]*models.ScreenTimeEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func withClaims(req *http.Request, claims *middleware.Claims) *http.Request {
	return req.WithContext(middleware.WithClaims(req.Context(), claims))
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response["data"].(map[string]interface{})
}

func TestHandleRecordActivity(t *testing.T) {
	logger := zap.NewNop()
	tenantID, learnerID := uuid.New(), uuid.New()
	params := map[string]string{"learnerID": learnerID.String()}
	target := "/api/v1/learners/" + learnerID.String() + "/activity"

	t.Run("allowed activity", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, logger)

		svc.On("RecordActivity", mock.Anything, screentime.ActivityRequest{
			TenantID: tenantID, LearnerID: learnerID, ActivityType: "video", DurationMinutes: 20, SessionID: "s-1",
		}).Return(&screentime.ActivityResult{
			Allowed:  true,
			Rule:     enforcement.RulePermitted,
			Warnings: []models.Warning{},
			Status:   &models.LearnerScreenTimeStatus{DailyUsedMinutes: 20, DailyRemainingMinutes: 40},
		}, nil)

		w := httptest.NewRecorder()
		handler.HandleRecordActivity(w, newRequest(http.MethodPost, target,
			map[string]interface{}{"activity_type": "video", "duration_minutes": 20, "session_id": "s-1"}, tenantID, params))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, true, data["allowed"])
		assert.Equal(t, float64(40), data["status"].(map[string]interface{})["daily_remaining_minutes"])
		svc.AssertExpectations(t)
	})

	t.Run("denial is a successful response", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, logger)

		svc.On("RecordActivity", mock.Anything, mock.Anything).Return(&screentime.ActivityResult{
			Allowed: false,
			Rule:    enforcement.RuleDailyLimit,
			Action:  &models.EnforcementAction{Type: models.EnforcementSessionEnded, Reason: "daily limit reached"},
			Status:  &models.LearnerScreenTimeStatus{},
		}, nil)

		w := httptest.NewRecorder()
		handler.HandleRecordActivity(w, newRequest(http.MethodPost, target,
			map[string]interface{}{"duration_minutes": 20}, tenantID, params))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, false, data["allowed"])
		assert.Equal(t, "SessionEnded", data["action"].(map[string]interface{})["type"])
	})

	t.Run("policy unavailable is not reported as allowed", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, logger)

		svc.On("RecordActivity", mock.Anything, mock.Anything).
			Return(nil, services.WrapPolicyUnavailable("failed to load policies", errors.New("timeout")))

		w := httptest.NewRecorder()
		handler.HandleRecordActivity(w, newRequest(http.MethodPost, target,
			map[string]interface{}{"duration_minutes": 5}, tenantID, params))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotContains(t, w.Body.String(), `"allowed"`)
	})

	t.Run("negative duration", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, logger)

		svc.On("RecordActivity", mock.Anything, mock.Anything).Return(nil, services.ErrInvalidDuration)

		w := httptest.NewRecorder()
		handler.HandleRecordActivity(w, newRequest(http.MethodPost, target,
			map[string]interface{}{"duration_minutes": -5}, tenantID, params))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid learner ID", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, logger)

		w := httptest.NewRecorder()
		handler.HandleRecordActivity(w, newRequest(http.MethodPost, "/api/v1/learners/abc/activity",
			map[string]interface{}{"duration_minutes": 5}, tenantID, map[string]string{"learnerID": "abc"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "learnerID must be a valid UUID")
		svc.AssertNotCalled(t, "RecordActivity", mock.Anything, mock.Anything)
	})

	t.Run("learner may not act for another learner", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, logger)

		req := newRequest(http.MethodPost, target, map[string]interface{}{"duration_minutes": 5}, tenantID, params)
		req = withClaims(req, &middleware.Claims{Sub: uuid.New().String(), Role: middleware.RoleLearner})

		w := httptest.NewRecorder()
		handler.HandleRecordActivity(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("learner acting for themselves", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, logger)

		svc.On("RecordActivity", mock.Anything, mock.Anything).Return(&screentime.ActivityResult{Allowed: true, Rule: enforcement.RulePermitted}, nil)

		req := newRequest(http.MethodPost, target, map[string]interface{}{"duration_minutes": 5}, tenantID, params)
		req = withClaims(req, &middleware.Claims{Sub: learnerID.String(), Role: middleware.RoleLearner})

		w := httptest.NewRecorder()
		handler.HandleRecordActivity(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandleBreaks(t *testing.T) {
	tenantID, learnerID := uuid.New(), uuid.New()
	params := map[string]string{"learnerID": learnerID.String()}
	target := "/api/v1/learners/" + learnerID.String() + "/breaks"

	svc := new(MockScreenTimeService)
	handler := NewScreenTimeHandler(svc, zap.NewNop())

	svc.On("StartBreak", mock.Anything, tenantID, learnerID, models.BreakType("")).Return(&models.LearnerScreenTimeStatus{BreakActive: true}, nil)
	svc.On("StartBreak", mock.Anything, tenantID, learnerID, models.BreakScheduled).Return(&models.LearnerScreenTimeStatus{BreakActive: true}, nil)
	svc.On("EndBreak", mock.Anything, tenantID, learnerID).Return(&models.LearnerScreenTimeStatus{BreaksTakenToday: 1}, nil)

	w := httptest.NewRecorder()
	handler.HandleStartBreak(w, newRequest(http.MethodPost, target, nil, tenantID, params))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeData(t, w)["break_active"])

	w = httptest.NewRecorder()
	handler.HandleStartBreak(w, newRequest(http.MethodPost, target, `{"break_type":"scheduled"}`, tenantID, params))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.HandleStartBreak(w, newRequest(http.MethodPost, target, `{"duration":5}`, tenantID, params))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	handler.HandleEndBreak(w, newRequest(http.MethodDelete, target, nil, tenantID, params))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeData(t, w)["breaks_taken_today"])

	svc.AssertExpectations(t)
}

func TestHandleCreateOverride(t *testing.T) {
	tenantID, learnerID, parentID := uuid.New(), uuid.New(), uuid.New()
	params := map[string]string{"learnerID": learnerID.String()}
	target := "/api/v1/learners/" + learnerID.String() + "/overrides"
	expiresAt := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	t.Run("parent issues override under their own ID", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, zap.NewNop())

		svc.On("CreateOverride", mock.Anything, mock.MatchedBy(func(req override.CreateRequest) bool {
			return req.TenantID == tenantID && req.LearnerID == learnerID && req.ParentID == parentID &&
				req.OverrideType == models.OverrideAddTime && req.AdditionalMinutes != nil && *req.AdditionalMinutes == 30
		})).Return(&models.ParentOverride{ID: uuid.New(), ParentID: parentID, OverrideType: models.OverrideAddTime}, nil)

		body := map[string]interface{}{
			"parent_id":          uuid.New().String(),
			"override_type":      "AddTime",
			"additional_minutes": 30,
			"reason":             "homework project",
			"expires_at":         expiresAt.Format(time.RFC3339),
		}
		req := newRequest(http.MethodPost, target, body, tenantID, params)
		req = withClaims(req, &middleware.Claims{Sub: parentID.String(), Role: middleware.RoleParent})

		w := httptest.NewRecorder()
		handler.HandleCreateOverride(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, parentID.String(), decodeData(t, w)["parent_id"])
		svc.AssertExpectations(t)
	})

	t.Run("invalid override", func(t *testing.T) {
		svc := new(MockScreenTimeService)
		handler := NewScreenTimeHandler(svc, zap.NewNop())

		svc.On("CreateOverride", mock.Anything, mock.Anything).Return(nil, services.InvalidOverride("override already expired"))

		body := map[string]interface{}{"override_type": "BypassLimit", "expires_at": time.Now().Add(-time.Hour).Format(time.RFC3339)}
		req := withClaims(newRequest(http.MethodPost, target, body, tenantID, params), &middleware.Claims{Sub: parentID.String(), Role: middleware.RoleParent})

		w := httptest.NewRecorder()
		handler.HandleCreateOverride(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleListEvents(t *testing.T) {
	tenantID, learnerID := uuid.New(), uuid.New()
	params := map[string]string{"learnerID": learnerID.String()}

	svc := new(MockScreenTimeService)
	handler := NewScreenTimeHandler(svc, zap.NewNop())

	svc.On("ListEvents", mock.Anything, tenantID, learnerID, 10, 20).Return([]*models.ScreenTimeEvent{
		models.NewScreenTimeEvent(tenantID, models.EventWarningTriggered).WithLearner(learnerID),
	}, nil)

	w := httptest.NewRecorder()
	handler.HandleListEvents(w, newRequest(http.MethodGet, "/api/v1/learners/"+learnerID.String()+"/events?limit=10&offset=20", nil, tenantID, params))
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Len(t, response["data"].([]interface{}), 1)

	w = httptest.NewRecorder()
	handler.HandleListEvents(w, newRequest(http.MethodGet, "/api/v1/learners/"+learnerID.String()+"/events?limit=ten", nil, tenantID, params))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetPolicyAndStatus(t *testing.T) {
	tenantID, learnerID := uuid.New(), uuid.New()
	params := map[string]string{"learnerID": learnerID.String()}

	svc := new(MockScreenTimeService)
	handler := NewScreenTimeHandler(svc, zap.NewNop())

	svc.On("GetEffectivePolicy", mock.Anything, tenantID, learnerID).Return(&models.ScreenTimePolicy{IsDefault: true, DailyLimitMinutes: 60}, nil)
	svc.On("GetStatus", mock.Anything, tenantID, learnerID).Return(nil, services.WrapLedgerWrite("usage read timed out", context.DeadlineExceeded))

	w := httptest.NewRecorder()
	handler.HandleGetPolicy(w, newRequest(http.MethodGet, "/api/v1/learners/x/policy", nil, tenantID, params))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeData(t, w)["is_default"])

	w = httptest.NewRecorder()
	handler.HandleGetStatus(w, newRequest(http.MethodGet, "/api/v1/learners/x/status", nil, tenantID, params))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
