// Package handler is the HTTP layer: it decodes JSON requests, resolves the
// caller's client session and turns service results into JSON responses.
package handler

// RESPONSE SHAPE:
// Every API response carries "success" so the SPA can branch without
// looking at the status code:
//
//	{"success":true,"message":"Login successful!","user":{...},"credits":10}
//	{"success":false,"error":"payment_required","message":"Not enough credits."}

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/vm-image-generator/internal/apperror"
	"github.com/sakif/vm-image-generator/internal/auth"
	"github.com/sakif/vm-image-generator/internal/service"
)

// maxBodyBytes caps request bodies. The largest legitimate body is a
// gallery save carrying one image record.
const maxBodyBytes = 64 << 10

// ErrorResponse is the failure body of every endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`           // machine-readable kind, e.g. "not_found"
	Message string `json:"message"`         // text for the alert dialog
	Field   string `json:"field,omitempty"` // form field to highlight
}

// MessageResponse is the success body of endpoints that only report text.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func ok(message string) MessageResponse {
	return MessageResponse{Success: true, Message: message}
}

// writeJSON sets the content type and status, then encodes data.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to its HTTP status and error body.
//
//	ErrValidation      → 400
//	ErrUnauthorized    → 401
//	ErrPaymentRequired → 402
//	ErrForbidden       → 403
//	ErrNotFound        → 404
//	ErrConflict        → 409
//
// Anything else is a 500 with a generic message; the cause is logged, never
// sent to the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrUnauthorized):
			status = http.StatusUnauthorized
			errorType = "unauthorized"
		case errors.Is(err, apperror.ErrPaymentRequired):
			status = http.StatusPaymentRequired
			errorType = "payment_required"
		case errors.Is(err, apperror.ErrForbidden):
			status = http.StatusForbidden
			errorType = "forbidden"
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound
			errorType = "not_found"
		case errors.Is(err, apperror.ErrConflict):
			status = http.StatusConflict
			errorType = "conflict"
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	logger.Error("request failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// decodeJSON reads a size-limited JSON body into dst. Failures come back
// as validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperror.ValidationFailed("", fmt.Sprintf("Request body must not exceed %d bytes.", tooLarge.Limit))
		case errors.Is(err, io.EOF):
			return apperror.ValidationFailed("", "Request body is required.")
		default:
			return apperror.ValidationFailed("", "Request body is not valid JSON.")
		}
	}
	return nil
}

// sessionFor returns the caller's Session. The Sessions middleware always
// runs first, so a missing id is a wiring bug and reported as a 500.
func sessionFor(r *http.Request, sessions *service.Manager) (*service.Session, error) {
	id, ok := auth.SessionIDFromContext(r.Context())
	if !ok {
		return nil, errors.New("handler: request has no client session")
	}
	return sessions.Get(id), nil
}
