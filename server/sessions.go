package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "authzd_session"

// SessionManager handles cookie-backed browser sessions so a user who
// already logged in can skip the login form on subsequent authorizations.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(store SessionStore, ttl time.Duration, devMode bool, cookieDomain string, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if devMode {
		sameSite = http.SameSiteLaxMode
	}
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		secure:       !devMode,
		sameSite:     sameSite,
		cookieDomain: cookieDomain,
	}
}

// Fetch returns the live session for the request cookie, extending its
// expiry on activity.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	sess, ok := sm.store.GetSession(r.Context(), cookie.Value)
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = sm.store.DeleteSession(r.Context(), sess.ID)
		return nil
	}

	sess.ExpiresAt = time.Now().Add(sm.ttl)
	_ = sm.store.SaveSession(r.Context(), sess)
	return &sess
}

// Create establishes a new session for the subject and sets the cookie.
func (sm *SessionManager) Create(ctx context.Context, w http.ResponseWriter, subject string) (*Session, error) {
	sess := Session{
		ID:        NewID(),
		Subject:   subject,
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(sm.ttl),
	}
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return &sess, nil
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
