package handler

import (
	"log/slog"
	"net/http"

	"github.com/rs/xid"

	"github.com/sakif/vm-image-generator/internal/auth"
	"github.com/sakif/vm-image-generator/internal/model"
	"github.com/sakif/vm-image-generator/internal/service"
)

const oauthStateCookie = "oauth_state"

// AuthHandler serves the login, signup and password-reset pages and the
// session snapshot the SPA loads on start.
type AuthHandler struct {
	sessions    *service.Manager
	google      *auth.GoogleProvider // nil when Google OAuth is not configured
	redirectURL string               // where the OAuth callback sends the browser
	logger      *slog.Logger
}

func NewAuthHandler(sessions *service.Manager, google *auth.GoogleProvider, redirectURL string, logger *slog.Logger) *AuthHandler {
	if redirectURL == "" {
		redirectURL = "/"
	}
	return &AuthHandler{
		sessions:    sessions,
		google:      google,
		redirectURL: redirectURL,
		logger:      logger,
	}
}

// SessionResponse is the body of GET /api/session.
type SessionResponse struct {
	Success bool `json:"success"`
	service.State
}

// AuthResponse is the body of a successful sign-in.
type AuthResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	User    *model.User `json:"user"`
	Credits int         `json:"credits"`
}

type credentialsRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type verifyOTPRequest struct {
	Email              string `json:"email"`
	OTP                string `json:"otp"`
	NewPassword        string `json:"newPassword"`
	ConfirmNewPassword string `json:"confirmNewPassword"`
}

// HandleSession returns the auth snapshot.
//
// HTTP: GET /api/session
func (h *AuthHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	st, err := sess.State(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Success: true, State: st})
}

// HandleLogin signs the session in.
//
// HTTP: POST /api/auth/login
// REQUEST BODY: {"email":"test@example.com","password":"password123"}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := sess.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse(res))
}

// HandleSignup registers and signs in.
//
// HTTP: POST /api/auth/signup
// REQUEST BODY: {"email":"...","password":"...","confirmPassword":"..."}
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := sess.Signup(r.Context(), req.Email, req.Password, req.ConfirmPassword)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse(res))
}

// HandleForgotPassword requests a reset OTP.
//
// HTTP: POST /api/auth/forgot-password
func (h *AuthHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg, err := sess.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(msg))
}

// HandleVerifyOTP resets the password with the emailed OTP.
//
// HTTP: POST /api/auth/verify-otp
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg, err := sess.VerifyOTP(r.Context(), req.Email, req.OTP, req.NewPassword, req.ConfirmNewPassword)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(msg))
}

// HandleGoogleMock is the "Sign in with Google" button when no OAuth
// client is configured: it signs in as the fixed demo Google account.
//
// HTTP: POST /api/auth/google
func (h *AuthHandler) HandleGoogleMock(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := sess.GoogleSignIn(r.Context(), nil)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse(res))
}

// HandleGoogleLogin redirects to Google's consent screen.
//
// HTTP: GET /auth/google/login
//
// A random state goes into a short-lived cookie and is checked on the
// callback, so a callback this server did not start is rejected.
func (h *AuthHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.google.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGoogleCallback finishes the OAuth flow and signs the session in.
//
// HTTP: GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("google callback: state mismatch")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}

	// single use
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("google callback: authorization denied", slog.String("error", errParam))
		http.Redirect(w, r, h.redirectURL+"?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}

	profile, err := h.google.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("google callback: exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusBadGateway)
		return
	}

	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if _, err := sess.GoogleSignIn(r.Context(), profile); err != nil {
		h.logger.Error("google callback: sign-in failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.redirectURL, http.StatusSeeOther)
}

// HandleLogout signs the session out. The session cookie stays, so the
// gallery is still there on the next login.
//
// HTTP: POST /api/auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(r, h.sessions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := sess.Logout(r.Context()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("Logged out."))
}

func authResponse(res *service.AuthResult) AuthResponse {
	return AuthResponse{
		Success: true,
		Message: res.Message,
		User:    res.User,
		Credits: res.Credits,
	}
}
