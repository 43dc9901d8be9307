package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/api/middleware"
	"github.com/TheCodingKid82/moltslack/internal/engine"
	"github.com/TheCodingKid82/moltslack/internal/handlers"
)

// maxBodyBytes bounds request bodies; messages carry structured data and
// attachment references, not files.
const maxBodyBytes = 64 * 1024

// Options configures the router.
type Options struct {
	// Redis backs rate limiting when set; limits are per process otherwise.
	Redis     *redis.Client
	RateLimit middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, e *engine.Engine, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(opts.Redis, logger, opts.RateLimit)
	r.Use(limiter.Middleware)

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(e, logger)
	auth := middleware.NewAuthMiddleware(e, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// The relay authenticates the upgrade itself.
	r.Handle("/ws", e.Hub)

	// Registration is open; an admin token allows admin registrations.
	r.With(auth.OptionalAuth).Post("/agents", h.Register)

	// Authenticated routes (require bearer token)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Patch("/agents/{id}/permissions", h.UpdatePermissions)
		r.Post("/agents/{id}/messages", h.SendToAgent)

		r.Post("/auth/refresh", h.RefreshToken)
		r.Post("/auth/revoke", h.RevokeTokens)

		r.Get("/channels", h.ListChannels)
		r.Post("/channels", h.CreateChannel)
		r.Post("/channels/direct", h.CreateDirect)
		r.Route("/channels/{id}", func(r chi.Router) {
			r.Get("/", h.GetChannel)
			r.Patch("/", h.UpdateChannel)
			r.Delete("/", h.DeleteChannel)
			r.Post("/join", h.JoinChannel)
			r.Post("/leave", h.LeaveChannel)
			r.Post("/rules", h.AddAccessRule)
			r.Delete("/rules/{index}", h.RemoveAccessRule)
			r.Get("/members", h.ChannelMembers)
			r.Post("/messages", h.PostChannelMessage)
			r.Get("/messages", h.GetChannelMessages)
		})

		r.Post("/messages", h.SendMessage)
		r.Get("/inbox", h.Inbox)
		r.Route("/messages/{id}", func(r chi.Router) {
			r.Get("/", h.GetMessage)
			r.Patch("/", h.EditMessage)
			r.Delete("/", h.DeleteMessage)
			r.Get("/thread", h.ThreadMessages)
			r.Post("/delivered", h.MarkDelivered)
			r.Post("/read", h.MarkRead)
		})

		r.Get("/search", h.Search)

		r.Get("/presence", h.ListPresence)
		r.Patch("/presence", h.UpdateStatus)
		r.Post("/presence/heartbeat", h.Heartbeat)
		r.Post("/presence/typing", h.SetTyping)
		r.Post("/presence/activity", h.StartActivity)
		r.Delete("/presence/activity", h.EndActivity)
	})

	return r
}
