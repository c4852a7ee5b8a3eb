package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/screentime-engine/internal/observability"
	"go.uber.org/zap"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claims), args.Error(1)
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid JWT in Authorization header allows request", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		mw := NewAuthMiddleware(mockValidator, logger)

		claims := &Claims{Sub: uuid.New().String(), TenantID: uuid.New().String(), Role: RoleLearner}
		mockValidator.On("ValidateToken", mock.Anything, "valid-token").Return(claims, nil)

		handler := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			extracted := GetClaimsFromContext(r.Context())
			assert.NotNil(t, extracted)
			assert.Equal(t, claims.Sub, extracted.Sub)
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockValidator.AssertExpectations(t)
	})

	t.Run("valid JWT in cookie allows request", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		mw := NewAuthMiddleware(mockValidator, logger)

		mockValidator.On("ValidateToken", mock.Anything, "cookie-token").
			Return(&Claims{Sub: "p-1", TenantID: uuid.New().String(), Role: RoleParent}, nil)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.AddCookie(&http.Cookie{Name: authTokenCookieName, Value: "cookie-token"})
		w := httptest.NewRecorder()
		mw.RequireAuth(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("header takes precedence over cookie", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		mw := NewAuthMiddleware(mockValidator, logger)

		mockValidator.On("ValidateToken", mock.Anything, "header-token").
			Return(&Claims{Sub: "a-1", Role: RoleAdmin}, nil)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer header-token")
		req.AddCookie(&http.Cookie{Name: authTokenCookieName, Value: "cookie-token"})
		w := httptest.NewRecorder()
		mw.RequireAuth(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockValidator.AssertNotCalled(t, "ValidateToken", mock.Anything, "cookie-token")
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		mw := NewAuthMiddleware(mockValidator, logger)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()
		mw.RequireAuth(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		mockValidator.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
	})

	t.Run("non-bearer scheme is rejected", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		mw := NewAuthMiddleware(mockValidator, logger)

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()
		mw.RequireAuth(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token is rejected", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		mw := NewAuthMiddleware(mockValidator, logger)

		mockValidator.On("ValidateToken", mock.Anything, "bad-token").Return(nil, errors.New("token expired"))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer bad-token")
		w := httptest.NewRecorder()
		mw.RequireAuth(http.HandlerFunc(okHandler)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestExtractTenant(t *testing.T) {
	mw := NewAuthMiddleware(new(MockTokenValidator), zap.NewNop())

	t.Run("valid tenant is placed in context", func(t *testing.T) {
		tenantID := uuid.New()
		handler := mw.ExtractTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, tenantID, GetTenantIDFromContext(r.Context()))
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req = req.WithContext(WithClaims(req.Context(), &Claims{TenantID: tenantID.String()}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	tests := []struct {
		name     string
		claims   *Claims
		expected int
	}{
		{name: "no claims", claims: nil, expected: http.StatusUnauthorized},
		{name: "malformed tenant", claims: &Claims{TenantID: "school-7"}, expected: http.StatusForbidden},
		{name: "nil tenant", claims: &Claims{TenantID: uuid.Nil.String()}, expected: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			w := httptest.NewRecorder()
			mw.ExtractTenant(http.HandlerFunc(okHandler)).ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	mw := NewAuthMiddleware(new(MockTokenValidator), zap.NewNop())
	guarded := mw.RequireRole(RoleParent, RoleAdmin)(http.HandlerFunc(okHandler))

	tests := []struct {
		name     string
		claims   *Claims
		expected int
	}{
		{name: "parent allowed", claims: &Claims{Role: RoleParent}, expected: http.StatusOK},
		{name: "admin allowed", claims: &Claims{Role: RoleAdmin}, expected: http.StatusOK},
		{name: "learner forbidden", claims: &Claims{Role: RoleLearner}, expected: http.StatusForbidden},
		{name: "no claims", claims: nil, expected: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			w := httptest.NewRecorder()
			guarded.ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestRequestContext(t *testing.T) {
	var seen string
	var fields []zap.Field
	handler := chimw.RequestID(RequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestIDFromContext(r.Context())
		fields = observability.FieldsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", w.Header().Get(chimw.RequestIDHeader))
	assert.Equal(t, []zap.Field{zap.String("request_id", "req-42")}, fields)
}

func TestClaimsSubjectID(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id, (&Claims{Sub: id.String()}).SubjectID())
	assert.Equal(t, uuid.Nil, (&Claims{Sub: "not-a-uuid"}).SubjectID())
}
