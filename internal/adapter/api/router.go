package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/api/handler"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/api/middleware"
)

// TrackingAPI is what the public router needs from the tracking service.
type TrackingAPI interface {
	handler.Tracker
	handler.SessionReader
}

// NewRouter creates the public HTTP router of the tracking service.
func NewRouter(svc TrackingAPI, logger *slog.Logger, maxEventSize int64) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)

	trackHandler := handler.NewTrackHandler(svc, logger, maxEventSize)
	sessionHandler := handler.NewSessionHandler(svc, logger)

	r.With(middleware.Decompress).Method(http.MethodPost, "/track", trackHandler)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/stats", sessionHandler.GetStats)
		r.Get("/funnel", sessionHandler.GetFunnel)
	})
	r.Get("/health", handler.Health)

	return r
}
