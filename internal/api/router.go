package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/handoff-protocol/handoff/internal/api/middleware"
	"github.com/handoff-protocol/handoff/internal/config"
	"github.com/handoff-protocol/handoff/internal/handlers"
	"github.com/handoff-protocol/handoff/internal/hub"
	"github.com/handoff-protocol/handoff/internal/store"
	"github.com/handoff-protocol/handoff/internal/token"
)

// NewRouter creates and configures the HTTP router. cache may be nil; the
// rate limiter is then disabled.
func NewRouter(logger zerolog.Logger, cfg *config.Config, relay *hub.Hub, st store.MessageStore, cache *store.RedisCache) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting needs Redis
	if cache != nil {
		limiter := middleware.NewRateLimiter(cache.Client(), logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: !cfg.IsDevelopment(),
		})
		r.Use(limiter.Middleware)
	}

	// CORS - allow all origins (chat widgets embed from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(logger, relay, st, cache)
	auth := middleware.NewAuthMiddleware(token.NewVerifier(cfg.AdminJWTSecret))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/healthz", h.Health)
	r.Get("/ws/chat/{chatID}", h.ChatSocket)

	// Admin routes (require bearer token)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)

		r.Get("/ws/admin/{chatID}", h.AdminSocket)
		r.Post("/api/sessions/{chatID}/mode", h.SwitchMode)
		r.Get("/api/sessions/{chatID}", h.SessionInfo)
		r.Get("/api/stats", h.Stats)
	})

	return r
}
