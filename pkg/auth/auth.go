package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey indicates that neither webhook token header was provided.
	ErrMissingKey = errors.New("missing webhook token")
	// ErrInvalidPrefix indicates the Authorization header did not use the Key prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrMismatch indicates the token does not match the configured secret.
	ErrMismatch = errors.New("webhook token mismatch")
)

// ExtractKey returns the token of a webhook request. GitLab sends it in
// X-Gitlab-Token; other callers may use "Authorization: Key <token>".
func ExtractKey(r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.Header.Get("X-Gitlab-Token")); token != "" {
		return token, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}
	if !strings.HasPrefix(header, "Key ") {
		return "", ErrInvalidPrefix
	}
	token := strings.TrimPrefix(header, "Key ")
	if token == "" {
		return "", ErrMissingKey
	}
	return token, nil
}

// Verify checks the request token against secret. An empty secret accepts
// every request.
func Verify(r *http.Request, secret string) error {
	if secret == "" {
		return nil
	}
	token, err := ExtractKey(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return ErrMismatch
	}
	return nil
}

// Middleware rejects requests that fail Verify with 401.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Verify(r, secret); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
