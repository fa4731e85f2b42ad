package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/vm-image-generator/internal/service"
)

// AccountHandler serves Account Settings.
type AccountHandler struct {
	sessions *service.Manager
	logger   *slog.Logger
}

func NewAccountHandler(sessions *service.Manager, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{sessions: sessions, logger: logger}
}

type changeEmailRequest struct {
	Email string `json:"email"`
}

type changePasswordRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// HandleChangeEmail moves the account to a new email.
//
// HTTP: PUT /api/account/email
func (h *AccountHandler) HandleChangeEmail(w http.ResponseWriter, r *http.Request) {
	var req changeEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg, err := sess.ChangeEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(msg))
}

// HandleChangePassword sets a new password.
//
// HTTP: PUT /api/account/password
func (h *AccountHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg, err := sess.ChangePassword(r.Context(), req.Password, req.ConfirmPassword)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(msg))
}
