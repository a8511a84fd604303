// Package server wires HTTP handlers into a chi router.
package server

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SetupRoutes configures and returns the router with all application routes:
// liveness, store health, metrics, the WebSocket endpoint and the test page.
func SetupRoutes(h *Handler, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger.With().Str("component", "http").Logger()))
	r.Use(chimw.Recoverer)

	r.Get("/", h.Root)
	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ws", h.WebSocket)
	r.Get("/test", h.TestPage)
	return r
}
