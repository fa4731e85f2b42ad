package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoSession writes the session ID found in the request context.
var echoSession = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, ok := SessionIDFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	_, _ = io.WriteString(w, id)
})

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	return nil
}

func TestSessions_MintsSessionWhenCookieMissing(t *testing.T) {
	ts := newTestTokenService(t)
	h := Sessions(ts, true, discardLogger())(echoSession)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Body.String()
	assert.NotEmpty(t, sessionID)

	c := sessionCookie(t, rec)
	require.NotNil(t, c, "session cookie should be set")
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, "/", c.Path)

	got, err := ts.Validate(c.Value)
	require.NoError(t, err)
	assert.Equal(t, sessionID, got)
}

func TestSessions_ReusesValidCookie(t *testing.T) {
	ts := newTestTokenService(t)
	h := Sessions(ts, false, discardLogger())(echoSession)

	token, err := ts.Generate("existing-session")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "existing-session", rec.Body.String())
	assert.Nil(t, sessionCookie(t, rec), "no new cookie for a valid session")
}

func TestSessions_ReplacesInvalidCookie(t *testing.T) {
	ts := newTestTokenService(t)
	h := Sessions(ts, false, discardLogger())(echoSession)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "forged"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.NotEqual(t, "forged", rec.Body.String())
	assert.NotNil(t, sessionCookie(t, rec))
}

func TestSessionIDFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := SessionIDFromContext(req.Context())
	assert.False(t, ok)

	_, ok = SessionIDFromContext(WithSessionID(req.Context(), ""))
	assert.False(t, ok)
}
