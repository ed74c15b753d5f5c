package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestValidate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	plain, err := New("s3cret", "")
	require.NoError(t, err)
	hashed, err := New("ignored", string(hash))
	require.NoError(t, err)
	open, err := New("", "")
	require.NoError(t, err)

	tests := []struct {
		name  string
		auth  *Authenticator
		token string
		want  error
	}{
		{"plain match", plain, "s3cret", nil},
		{"plain mismatch", plain, "wrong", ErrInvalidToken},
		{"plain missing", plain, "", ErrMissingToken},
		{"hash match", hashed, "s3cret", nil},
		{"hash ignores plain key", hashed, "ignored", ErrInvalidToken},
		{"disabled", open, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.auth.Validate(tt.token))
		})
	}
	assert.False(t, open.Enabled())
	assert.True(t, hashed.Enabled())
}

func TestNewRejectsMalformedHash(t *testing.T) {
	_, err := New("", "not-a-bcrypt-hash")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a, err := New("s3cret", "")
	require.NoError(t, err)

	var principal string
	handler := a.Middleware("/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal = Principal(r)
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"open path", "/healthz", "", http.StatusOK},
		{"no token", "/v1/workloads", "", http.StatusUnauthorized},
		{"wrong token", "/v1/workloads", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/v1/workloads", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "/v1/workloads", "bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rr.Body.String(), `"code":"unauthorized"`)
			}
		})
	}
	assert.Equal(t, "api-key", principal)
}

func TestHashAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 43)

	hash, err := HashAPIKey(key)
	require.NoError(t, err)

	a, err := New("", hash)
	require.NoError(t, err)
	assert.NoError(t, a.Validate(key))

	_, err = HashAPIKey("")
	assert.ErrorIs(t, err, ErrMissingToken)
}
