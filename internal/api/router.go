package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	apimiddleware "github.com/agentoven/bgutil-pot-broker/internal/api/middleware"
	"github.com/agentoven/bgutil-pot-broker/internal/api/handlers"
)

// NewRouter assembles the broker's HTTP surface: five endpoints behind the
// ambient request-id/logging/telemetry/recovery middleware stack.
func NewRouter(h *handlers.Handlers, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.RequestID)
	r.Use(apimiddleware.Telemetry)
	r.Use(apimiddleware.Logger)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/get_pot", h.GetPOT)
	r.Get("/ping", h.Ping)
	r.Post("/invalidate_caches", h.InvalidateCaches)
	r.Post("/invalidate_it", h.InvalidateIntegrity)
	r.Get("/minter_cache", h.MinterCache)

	return r
}
