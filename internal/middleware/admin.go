package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AdminKeyHeader carries the API key for programmatic admin access
const AdminKeyHeader = "X-Admin-Key"

// AdminMiddleware handles admin API authentication
type AdminMiddleware struct {
	apiKey string
}

// NewAdminMiddleware creates a new admin middleware
func NewAdminMiddleware(apiKey string) *AdminMiddleware {
	return &AdminMiddleware{apiKey: apiKey}
}

// RequireAdmin returns a middleware that requires a valid admin API key
func (m *AdminMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get(AdminKeyHeader)
		if apiKey == "" || m.apiKey == "" {
			http.Error(w, "Missing API key", http.StatusUnauthorized)
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(m.apiKey)) != 1 {
			http.Error(w, "Invalid API key", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
