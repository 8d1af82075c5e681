package api

import (
	"net/http"

	"siza-core/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates and configures a Chi router with all routes
func NewRouter(h *Handler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware(cfg.HTTP.CORSAllowedOrigins))
	r.Use(MetricsMiddleware)

	limiter := NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	// Metrics endpoint for Prometheus
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Post("/route", h.HandleRoute)
		r.Get("/fallback", h.HandleFallbackBudget)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)

			r.Route("/keys", func(r chi.Router) {
				r.Get("/", h.HandleListKeys)
				r.Post("/", h.HandleAddKey)
				r.Delete("/", h.HandleClearKeys)
				r.Post("/init", h.HandleInitKeys)
				r.Get("/stats", h.HandleUsageStats)
				r.Get("/storage", h.HandleStorageStats)
				r.Put("/{id}", h.HandleUpdateKey)
				r.Delete("/{id}", h.HandleDeleteKey)
				r.Post("/{id}/default", h.HandleSetDefaultKey)
			})

			r.Get("/preferences", h.HandleGetPreferences)
			r.Put("/preferences", h.HandleUpdatePreferences)

			// Generation spends provider quota and is throttled per user
			r.Group(func(r chi.Router) {
				r.Use(limiter.Middleware)
				r.Post("/generate", h.HandleGenerate)
				r.Post("/complete", h.HandleComplete)
			})
		})
	})

	return r
}
