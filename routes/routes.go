package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/screentime-engine/app"
	"github.com/upb/screentime-engine/handlers"
	"github.com/upb/screentime-engine/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestContext)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	health := handlers.NewHealthHandler(db, deps.Resolver, deps.Recorder, deps.Logger)
	if ledger := deps.LedgerPinger(); ledger != nil {
		health.WithLedger(ledger)
	}
	screenTime := handlers.NewScreenTimeHandler(deps.Engine, deps.Logger)
	policies := handlers.NewPolicyHandler(deps.Policies, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.ExtractTenant)

		// Learner-facing enforcement endpoints. Learners are limited to their
		// own ID inside the handlers.
		r.Route("/learners/{learnerID}", func(r chi.Router) {
			r.Get("/policy", screenTime.HandleGetPolicy)
			r.Get("/status", screenTime.HandleGetStatus)
			r.Post("/activity", screenTime.HandleRecordActivity)
			r.Post("/breaks", screenTime.HandleStartBreak)
			r.Delete("/breaks", screenTime.HandleEndBreak)

			r.With(deps.AuthMiddleware.RequireRole(middleware.RoleParent, middleware.RoleAdmin)).
				Post("/overrides", screenTime.HandleCreateOverride)
			r.With(deps.AuthMiddleware.RequireRole(middleware.RoleParent, middleware.RoleTeacher, middleware.RoleAdmin)).
				Get("/events", screenTime.HandleListEvents)
			r.With(deps.AuthMiddleware.RequireRole(middleware.RoleAdmin)).
				Put("/memberships", policies.HandleSetMemberships)
		})

		// Policy management (require admin role)
		r.Route("/policies", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireRole(middleware.RoleAdmin))
			r.Get("/", policies.HandleListPolicies)
			r.Post("/", policies.HandleCreatePolicy)
			r.Get("/{id}", policies.HandleGetPolicy)
			r.Put("/{id}", policies.HandleUpdatePolicy)
			r.Delete("/{id}", policies.HandleDeletePolicy)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
