package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/xelth-com/eckdisplay/internal/utils"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// AuthMiddleware verifies JWT bearer tokens and stores the caller's identity
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := utils.ValidateToken(parts[1], secret)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			id, err := utils.IdentityFromClaims(claims)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), IdentityContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers that are not organisation admins
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || !id.IsAdmin() || id.OrganisationID == "" {
			http.Error(w, "Admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFrom returns the identity stored by AuthMiddleware
func IdentityFrom(ctx context.Context) (utils.Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(utils.Identity)
	return id, ok
}
