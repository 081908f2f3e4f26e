// Package middleware provides HTTP middleware for service authentication,
// origin policy, rate limiting, and request context management.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/backlogman/notifier/internal/logging"
	"github.com/backlogman/notifier/internal/services"
)

type contextKey string

const (
	// ServiceClaimsKey is the context key for the calling service's token claims.
	ServiceClaimsKey contextKey = "serviceClaims"
)

// ServiceAuthMiddleware requires a Bearer service token signed with the
// notify secret. Returns 401 for missing or invalid tokens.
func ServiceAuthMiddleware(authService *services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventMissingAuth, "missing authorization header")
				writeUnauthorized(w, "missing authorization header")
				return
			}

			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventUnsupportedScheme, "unsupported authorization scheme")
				writeUnauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := authService.ValidateServiceToken(strings.TrimSpace(token))
			if err != nil {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventInvalidServiceToken, "invalid or expired service token")
				writeUnauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ServiceClaimsKey, claims)
			ctx = logging.UpdateRequestAttrs(ctx, "", "svc:"+claims.Service)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetServiceClaims retrieves the service claims from the request context.
// Returns nil outside ServiceAuthMiddleware.
func GetServiceClaims(ctx context.Context) *services.ServiceClaims {
	claims, _ := ctx.Value(ServiceClaimsKey).(*services.ServiceClaims)
	return claims
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
