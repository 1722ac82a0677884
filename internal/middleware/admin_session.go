package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/laurikarhu/stealth-gate/internal/storage"
	"github.com/rs/zerolog/log"
)

const (
	// AdminSessionCookieName is the name of the admin session cookie
	AdminSessionCookieName = "stealth_admin_session"
	// AdminSessionDuration is how long admin sessions last
	AdminSessionDuration = 24 * time.Hour
)

// Admin context keys
type adminContextKey string

const (
	AdminSessionContextKey adminContextKey = "admin_session"
)

// AdminSessionStore persists admin sessions
type AdminSessionStore interface {
	SetAdminSession(ctx context.Context, session *storage.AdminSession, ttl time.Duration) error
	GetAdminSession(ctx context.Context, sessionID string) (*storage.AdminSession, error)
	DeleteAdminSession(ctx context.Context, sessionID string) error
	RefreshAdminSession(ctx context.Context, sessionID string, ttl time.Duration) error
}

// LastLoginRecorder records successful logins
type LastLoginRecorder interface {
	UpdateAdminLastLogin(ctx context.Context, id uuid.UUID) error
}

// AdminSessionMiddleware handles admin session authentication
type AdminSessionMiddleware struct {
	users     LastLoginRecorder
	sessions  AdminSessionStore
	loginPath string
}

// NewAdminSessionMiddleware creates a new admin session middleware.
// Requests without a session are redirected to loginPath.
func NewAdminSessionMiddleware(users LastLoginRecorder, sessions AdminSessionStore, loginPath string) *AdminSessionMiddleware {
	return &AdminSessionMiddleware{
		users:     users,
		sessions:  sessions,
		loginPath: loginPath,
	}
}

// RequireAdminSession returns a middleware that requires a valid admin session
func (m *AdminSessionMiddleware) RequireAdminSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := m.lookup(w, r)
		if session == nil {
			http.Redirect(w, r, m.loginURL(r), http.StatusFound)
			return
		}

		ctx := r.Context()

		// Refresh session TTL
		if err := m.sessions.RefreshAdminSession(ctx, session.SessionID, AdminSessionDuration); err != nil {
			log.Warn().Err(err).Msg("Failed to refresh admin session")
		}

		ctx = context.WithValue(ctx, AdminSessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loginURL returns the login page of the site the request belongs to
func (m *AdminSessionMiddleware) loginURL(r *http.Request) string {
	if site := SiteFromContext(r.Context()); site != nil {
		return strings.TrimSuffix(site.Path, "/") + m.loginPath
	}
	return m.loginPath
}

// IsPrivileged reports whether the request carries a live admin session with
// the management capability
func (m *AdminSessionMiddleware) IsPrivileged(r *http.Request) bool {
	cookie, err := r.Cookie(AdminSessionCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	session, err := m.sessions.GetAdminSession(r.Context(), cookie.Value)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get admin session")
		return false
	}
	if session == nil || time.Now().After(session.ExpiresAt) {
		return false
	}
	return session.CanManage
}

// lookup resolves the session cookie; expired or unknown sessions clear the cookie
func (m *AdminSessionMiddleware) lookup(w http.ResponseWriter, r *http.Request) *storage.AdminSession {
	cookie, err := r.Cookie(AdminSessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	ctx := r.Context()

	session, err := m.sessions.GetAdminSession(ctx, cookie.Value)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get admin session")
		return nil
	}
	if session == nil {
		// Session expired or invalid
		m.clearSessionCookie(w)
		return nil
	}

	// Check if session is expired
	if time.Now().After(session.ExpiresAt) {
		m.sessions.DeleteAdminSession(ctx, session.SessionID)
		m.clearSessionCookie(w)
		return nil
	}

	return session
}

// CurrentSession returns the live session of the request, if any
func (m *AdminSessionMiddleware) CurrentSession(r *http.Request) *storage.AdminSession {
	cookie, err := r.Cookie(AdminSessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	session, err := m.sessions.GetAdminSession(r.Context(), cookie.Value)
	if err != nil || session == nil || time.Now().After(session.ExpiresAt) {
		return nil
	}
	return session
}

// CreateSession creates a new admin session
func (m *AdminSessionMiddleware) CreateSession(ctx context.Context, user *storage.AdminUser) (string, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return "", err
	}

	session := &storage.AdminSession{
		SessionID: sessionID,
		UserID:    user.ID.String(),
		Username:  user.Username,
		CanManage: user.Role.CanManage(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(AdminSessionDuration),
	}

	if err := m.sessions.SetAdminSession(ctx, session, AdminSessionDuration); err != nil {
		return "", err
	}

	if m.users != nil {
		if err := m.users.UpdateAdminLastLogin(ctx, user.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to update admin last login")
		}
	}

	return sessionID, nil
}

// SetSessionCookie sets the admin session cookie. It is scoped to the whole
// site so the gate can recognise administrators on every path.
func (m *AdminSessionMiddleware) SetSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     AdminSessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   IsTLS(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(AdminSessionDuration.Seconds()),
	})
}

// ClearSession clears the admin session
func (m *AdminSessionMiddleware) ClearSession(ctx context.Context, w http.ResponseWriter, sessionID string) {
	if sessionID != "" {
		m.sessions.DeleteAdminSession(ctx, sessionID)
	}
	m.clearSessionCookie(w)
}

// clearSessionCookie removes the session cookie
func (m *AdminSessionMiddleware) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     AdminSessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// GetAdminSession retrieves the admin session from context
func GetAdminSession(ctx context.Context) *storage.AdminSession {
	if session, ok := ctx.Value(AdminSessionContextKey).(*storage.AdminSession); ok {
		return session
	}
	return nil
}

// generateSessionID generates a cryptographically secure session ID
func generateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
