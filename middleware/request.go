package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/screentime-engine/internal/observability"
	"go.uber.org/zap"
)

// RequestContext copies the request ID assigned by chi's RequestID
// middleware into the context key read by handlers and mirrors it in the
// X-Request-ID response header. The ID is also attached as a log field for
// observability.FromContext. It must run after chimw.RequestID.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := chimw.GetReqID(r.Context())
		if requestID == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(chimw.RequestIDHeader, requestID)
		ctx := WithRequestID(r.Context(), requestID)
		ctx = observability.WithFields(ctx, zap.String("request_id", requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
