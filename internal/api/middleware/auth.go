package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/auth"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

// TokenVerifier resolves a bearer token to its claims, or nil.
type TokenVerifier interface {
	Verify(token string) *auth.Claims
}

// AuthMiddleware handles bearer token verification for authenticated endpoints.
type AuthMiddleware struct {
	verifier TokenVerifier
	logger   zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(verifier TokenVerifier, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, logger: logger}
}

// RequireAuth rejects requests without a valid bearer token.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := m.verifier.Verify(token)
		if claims == nil {
			m.logger.Warn().
				Str("type", "security").
				Str("event", "invalid_token").
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Msg("rejected bearer token")
			jsonError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// OptionalAuth attaches claims when a valid token is presented and lets
// anonymous requests through. An invalid token is still rejected.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims := m.verifier.Verify(token)
		if claims == nil {
			jsonError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WithClaims returns ctx carrying the authenticated claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}

// GetClaimsFromContext retrieves the authenticated claims from the request context.
func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(ClaimsContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}
