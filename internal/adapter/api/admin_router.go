package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/api/handler"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/api/middleware"
)

// NewAdminRouter creates the operator router: Prometheus metrics plus
// token-guarded buffer and retention controls.
func NewAdminRouter(admin handler.BufferAdmin, gatherer prometheus.Gatherer, token string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	adminHandler := handler.NewAdminHandler(admin, logger)

	r.Get("/health", handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminToken(token, logger))
		r.Get("/buffer", adminHandler.GetBuffer)
		r.Post("/flush", adminHandler.Flush)
		r.Post("/cleanup", adminHandler.Cleanup)
	})

	return r
}
