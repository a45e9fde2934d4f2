package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the ops router: probes and metrics unguarded,
// stats under /api, ingress hooks under /internal. The surface carries
// no end-user traffic; CORS is open so dashboards can read it from
// anywhere on the operations network.
func SetupRoutes(h *Handlers, hc *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/ready", hc.HandleReadiness)
	r.Method("GET", "/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.HandleStats)
	})

	r.Route("/internal/users", func(r chi.Router) {
		r.Post("/created", h.HandleUserCreated)
		r.Post("/updated", h.HandleUserUpdated)
		r.Post("/deleted", h.HandleUserDeleted)
	})

	return r
}
