package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminToken guards operator endpoints with a shared token. With no token
// configured every request is refused.
func AdminToken(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "Forbidden: admin API disabled", http.StatusForbidden)
				return
			}

			provided := r.Header.Get(AdminTokenHeader)
			if provided == "" {
				logger.Warn("admin token missing from request", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				http.Error(w, "Unauthorized: admin token required", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				logger.Warn("invalid admin token provided", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				http.Error(w, "Unauthorized: invalid admin token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
