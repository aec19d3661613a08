package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

// SessionReader answers read-side questions about a session.
type SessionReader interface {
	SessionStats(ctx context.Context, sessionID string) (*domain.SessionStats, error)
	AnalyzeFunnel(ctx context.Context, sessionID string) (*domain.FunnelReport, error)
}

type SessionHandler struct {
	reader SessionReader
	logger *slog.Logger
}

func NewSessionHandler(reader SessionReader, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{reader: reader, logger: logger.With("component", "session_handler")}
}

// GetStats handles GET /sessions/{sessionID}/stats
func (h *SessionHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	stats, err := h.reader.SessionStats(r.Context(), sessionID)
	if err != nil {
		h.respondWithError(w, "session stats", sessionID, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, stats)
}

// GetFunnel handles GET /sessions/{sessionID}/funnel
func (h *SessionHandler) GetFunnel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	report, err := h.reader.AnalyzeFunnel(r.Context(), sessionID)
	if err != nil {
		h.respondWithError(w, "funnel analysis", sessionID, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, report)
}

func (h *SessionHandler) respondWithError(w http.ResponseWriter, op, sessionID string, err error) {
	if errors.Is(err, domain.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	h.logger.Error("failed to load "+op, "session_id", sessionID, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
