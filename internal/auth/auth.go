// Package auth guards the host's management endpoints with a shared token.
// Identity issuance is out of scope; user ids arrive on the socket URL and
// are trusted at this layer.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware provides bearer-token authentication for HTTP handlers.
type Middleware struct {
	token string
}

// NewMiddleware creates auth middleware for the given token. An empty token
// disables enforcement (development mode).
func NewMiddleware(token string) *Middleware {
	return &Middleware{token: token}
}

// RequireAuth wraps an http.HandlerFunc and requires a valid token when
// authentication is enabled.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.IsEnabled() && !m.isAuthenticated(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (m *Middleware) isAuthenticated(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(m.token)) == 1
}

// IsEnabled returns true when a token is configured.
func (m *Middleware) IsEnabled() bool {
	return m.token != ""
}
