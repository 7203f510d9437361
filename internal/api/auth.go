package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"unicode"
)

// DefaultUserID is used when a request carries no X-User-ID header.
const DefaultUserID = "local"

const maxUserIDLen = 128

type userKey struct{}

// BearerAuth rejects requests whose Authorization header does not carry
// token, then resolves X-User-ID into the request context.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}

			id := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if id == "" {
				id = DefaultUserID
			}
			if !validUserID(id) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "X-User-ID must be at most %d printable characters", maxUserIDLen)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
		})
	}
}

func validUserID(id string) bool {
	if len(id) > maxUserIDLen {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool { return !unicode.IsPrint(r) }) < 0
}

// userID returns the caller resolved by BearerAuth.
func userID(r *http.Request) string {
	if id, ok := r.Context().Value(userKey{}).(string); ok {
		return id
	}
	return DefaultUserID
}
