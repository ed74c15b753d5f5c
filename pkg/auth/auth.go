// Package auth guards the sandbox API with a single shared API key, given
// either in plain text or as a bcrypt hash.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

type contextKey string

// PrincipalContextKey holds the authenticated principal of a request
const PrincipalContextKey contextKey = "principal"

// Authenticator validates bearer tokens against the configured key. A zero
// Authenticator lets every request through.
type Authenticator struct {
	key  string
	hash []byte
}

// New creates an authenticator. hash takes precedence over key; both empty
// disables authentication.
func New(key, hash string) (*Authenticator, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid api_key_hash: %w", err)
		}
		return &Authenticator{hash: []byte(hash)}, nil
	}
	return &Authenticator{key: key}, nil
}

// Enabled reports whether requests must carry a token
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.key != "" || len(a.hash) > 0)
}

// Validate checks a presented token
func (a *Authenticator) Validate(token string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return ErrMissingToken
	}
	if len(a.hash) > 0 {
		if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			return ErrInvalidToken
		}
		return nil
	}
	if !SecureCompare(a.key, token) {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects requests without a valid "Authorization: Bearer" token.
// Paths in skip (probes, metrics) stay open.
func (a *Authenticator) Middleware(skip ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		if !a.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := a.Validate(BearerToken(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="sandboxd"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error": err.Error(),
					"code":  "unauthorized",
				})
				return
			}
			ctx := context.WithValue(r.Context(), PrincipalContextKey, "api-key")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Principal returns who authenticated the request, or "" when
// authentication is disabled.
func Principal(r *http.Request) string {
	if p, ok := r.Context().Value(PrincipalContextKey).(string); ok {
		return p
	}
	return ""
}

// BearerToken extracts the token from the Authorization header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns the bcrypt hash to put in api_key_hash
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", ErrMissingToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
