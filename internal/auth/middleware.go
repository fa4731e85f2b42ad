package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rs/xid"
)

// SessionCookie is the name of the cookie carrying the session token.
const SessionCookie = "vmig_session"

// contextKey is unexported so no other package can collide with our keys.
type contextKey string

const sessionIDKey contextKey = "sessionID"

// Sessions is a middleware that guarantees every request has a client
// session.
//
// If the request carries a valid session cookie, its ID is reused.
// Otherwise a fresh ID is minted and a new cookie is set on the response,
// the way a browser gets an empty localStorage on first visit. The ID is
// stored in the request context for SessionIDFromContext.
//
// The cookie is HttpOnly and SameSite=Lax; secure adds the Secure flag and
// should be on whenever the server sits behind HTTPS.
func Sessions(tokens *TokenService, secure bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, err := extractSessionID(r, tokens)
			if err != nil {
				sessionID = xid.New().String()
				token, err := tokens.Generate(sessionID)
				if err != nil {
					logger.Error("issuing session token", slog.String("error", err.Error()))
					http.Error(w, `{"success":false,"error":"internal_error","message":"An internal error occurred"}`, http.StatusInternalServerError)
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookie,
					Value:    token,
					Path:     "/",
					MaxAge:   int(tokens.TTL().Seconds()),
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
				logger.Debug("new client session", slog.String("sessionID", sessionID))
			}

			ctx := WithSessionID(r.Context(), sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithSessionID returns a copy of ctx carrying sessionID. Handler tests use
// it to skip the cookie round trip.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext returns the client session ID set by Sessions.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

func extractSessionID(r *http.Request, tokens *TokenService) (string, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", err
	}
	return tokens.Validate(cookie.Value)
}
