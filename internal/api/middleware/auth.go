package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/handoff-protocol/handoff/internal/token"
)

type contextKey string

const AdminContextKey contextKey = "admin"

// AuthMiddleware verifies admin bearer tokens on the management surface.
type AuthMiddleware struct {
	verifier *token.Verifier
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(verifier *token.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// RequireAdmin verifies the bearer token and stores the claims in the
// request context. Websocket dials may carry the token in the "token" query
// parameter since browser websocket clients cannot set headers.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := m.verifier.Verify(raw)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		ctx := context.WithValue(r.Context(), AdminContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetAdminFromContext retrieves the verified admin claims from the request
// context.
func GetAdminFromContext(ctx context.Context) *token.AdminClaims {
	claims, ok := ctx.Value(AdminContextKey).(*token.AdminClaims)
	if !ok {
		return nil
	}
	return claims
}
