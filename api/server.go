/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin UI

ROUTE GROUPS:
  /api/agreements/*     Agreements, revenue intake, settlement history
  /api/settlements/*    Settlement detail and payout lifecycle
  /api/admin/*          Batch settlement
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus exposition (when a handler is given)

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. metrics may
// be nil.
func NewRouter(h *Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Agreement routes
		r.Route("/agreements", func(r chi.Router) {
			r.Get("/", h.ListAgreements)
			r.Post("/", h.CreateAgreement)
			r.Get("/{id}", h.GetAgreement)
			r.Get("/{id}/audit", h.AuditAgreement)
			r.Post("/{id}/revenue", h.SubmitRevenue)
			r.Get("/{id}/settlements", h.ListSettlements)
			r.Post("/{id}/settlements", h.CreateSettlement)
		})

		// Settlement routes
		r.Route("/settlements", func(r chi.Router) {
			r.Get("/{id}", h.GetSettlement)
			r.Post("/{id}/approve", h.ApproveSettlement)
			r.Post("/{id}/distribute", h.DistributeSettlement)
			r.Post("/{id}/fail", h.FailSettlement)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/settlements/run", h.RunSettlements)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetScenario)
		})
	})

	return r
}
