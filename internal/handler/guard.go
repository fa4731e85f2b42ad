package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/service"
)

// RequireUser rejects requests from sessions that are not signed in with
// 401, the server side of the SPA's authenticated-route guard.
func RequireUser(sessions *service.Manager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessionFor(r, sessions)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			st, err := sess.State(r.Context())
			if err != nil {
				writeError(w, logger, err)
				return
			}
			if !st.IsAuthenticated {
				writeError(w, logger, apperror.Unauthorized("Please log in to continue."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Pinger is satisfied by storage backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler answers liveness probes.
type HealthHandler struct {
	db     Pinger
	logger *slog.Logger
}

func NewHealthHandler(db Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// HandleHealth reports 200 when the database answers within two seconds.
//
// HTTP: GET /healthz
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
