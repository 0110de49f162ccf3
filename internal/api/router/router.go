// Package router provides HTTP routing configuration using Chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/remiblancher/qpiv/internal/api/handler"
	"github.com/remiblancher/qpiv/internal/api/middleware"
	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/internal/journal"
	"github.com/remiblancher/qpiv/internal/metrics"
)

// Config holds router configuration.
type Config struct {
	Version string
	// Token describes the token in health responses.
	Token    string
	Service  *issuance.Service
	Journal  *journal.Journal
	Metrics  *metrics.Metrics
	Defaults handler.Defaults
	Logger   zerolog.Logger
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	healthHandler := handler.NewHealthHandler(cfg.Version, cfg.Token)
	r.Get("/health", healthHandler.Health)

	registryHandler := handler.NewRegistryHandler(cfg.Service)
	certHandler := handler.NewCertHandler(cfg.Service, cfg.Journal, cfg.Defaults)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/algorithms", registryHandler.Algorithms)
		r.Get("/slots", registryHandler.Slots)

		r.Route("/certificates", func(r chi.Router) {
			if cfg.Service != nil {
				r.Post("/", certHandler.Issue)
			}
			r.Get("/", certHandler.List)
			r.Get("/{serial}", certHandler.Get)
		})
	})

	return r
}
