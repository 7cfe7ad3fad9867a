package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/talesync/talesync/internal/token"
)

type contextKey int

const identityKey contextKey = iota

// Identity is the authenticated caller extracted from a session token.
type Identity struct {
	UserID   string
	UserName string
}

// SessionAuth verifies an Authorization: Bearer session token and
// stores the caller identity on the request context. Every rejection
// uses the same message so callers cannot distinguish expired from
// malformed from wrongly-signed tokens.
func SessionAuth(tokens *token.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing session token")
				return
			}
			userID, userName, ok := tokens.VerifySession(auth[len(prefix):])
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing session token")
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, Identity{UserID: userID, UserName: userName})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// callerFrom returns the authenticated identity, or a zero Identity
// when the request passed through without SessionAuth.
func callerFrom(r *http.Request) Identity {
	id, _ := r.Context().Value(identityKey).(Identity)
	return id
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
