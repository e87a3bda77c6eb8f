package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/api/middleware"
	"github.com/eldtechnologies/mcpcommons/internal/handlers"
	"github.com/eldtechnologies/mcpcommons/internal/ratelimit"
)

// maxBodyBytes leaves room for a full message plus JSON escaping.
const maxBodyBytes = 64 * 1024

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, guard *ratelimit.Guard) *chi.Mux {
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

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "Mcp-Session-Id", "Last-Event-ID"},
		ExposedHeaders:   []string{"Mcp-Session-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api", h.Root)
	r.Get("/health", h.Health)

	// Writes apply both rate limit policies inside the service.
	r.Post("/api/register", h.Register)
	r.Post("/api/messages", h.PostMessage)
	r.Post("/message", h.SessionMessage)

	r.Get("/api/messages", h.ListMessages)

	// Stream opens are charged to the client address under their own policy.
	r.Group(func(r chi.Router) {
		if guard != nil {
			r.Use(middleware.StreamRateLimit(guard))
		}

		r.Get("/api/messages/stream", h.Stream)
		r.Get("/sse", h.OpenSession)
	})

	return r
}
