package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/show-seat-reservations/internal/idempotency"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
)

// SetupRouter wires the API. rl and idemp may be nil to run without Redis.
func SetupRouter(h *Handlers, logger observability.Logger, rl Limiter, idemp idempotency.Store) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(rl))
		r.Use(IdempotencyMiddleware(idemp))

		r.Get("/v1/shows", h.ListShows)
		r.Get("/v1/shows/{showID}/availability", h.Availability)
		r.Post("/v1/shows/{showID}/holds", h.Hold)
		r.Post("/v1/shows/{showID}/confirm", h.Confirm)
		r.Get("/v1/bookings/{bookingID}", h.GetBooking)
	})

	return r
}
