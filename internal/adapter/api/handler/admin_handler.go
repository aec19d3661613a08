package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BuildsAndChill/mynextbook/internal/usecase"
)

// BufferAdmin exposes operator controls over the pipeline.
type BufferAdmin interface {
	BufferState() usecase.BufferState
	Flush(ctx context.Context) (int, error)
	CleanupExpired(ctx context.Context) ([]string, error)
}

// AdminHandler handles HTTP requests for buffer and retention administration.
type AdminHandler struct {
	admin  BufferAdmin
	logger *slog.Logger
}

func NewAdminHandler(admin BufferAdmin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, logger: logger.With("component", "admin_handler")}
}

// GetBuffer handles GET /admin/buffer
func (h *AdminHandler) GetBuffer(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, h.logger, http.StatusOK, h.admin.BufferState())
}

// Flush handles POST /admin/flush and waits for the forced batch to commit.
func (h *AdminHandler) Flush(w http.ResponseWriter, r *http.Request) {
	n, err := h.admin.Flush(r.Context())
	if err != nil {
		h.logger.Error("forced flush failed", "error", err)
		http.Error(w, "flush failed: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("forced flush via admin API", "events", n)
	respondWithJSON(w, h.logger, http.StatusOK, map[string]int{"flushed": n})
}

// Cleanup handles POST /admin/cleanup
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.admin.CleanupExpired(r.Context())
	if err != nil {
		h.logger.Error("retention sweep failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, map[string]any{
		"removed":     len(removed),
		"session_ids": removed,
	})
}
