// Package middleware provides HTTP middleware for the shopfront API
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/R3E-Network/shopfront/internal/app/services/auth"
	"github.com/R3E-Network/shopfront/internal/errors"
	internalhttputil "github.com/R3E-Network/shopfront/internal/httputil"
	"github.com/R3E-Network/shopfront/internal/logging"
)

// Authenticator resolves an access token to the calling principal.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (auth.Principal, error)
}

// AuthMiddleware provides JWT authentication backed by server-side sessions
type AuthMiddleware struct {
	authenticator Authenticator
	logger        *logging.Logger
	skipPaths     map[string]bool
	queryParam    string
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator Authenticator, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}

	return &AuthMiddleware{
		authenticator: authenticator,
		logger:        logger,
		skipPaths:     skip,
	}
}

// AllowQueryToken also accepts the token from the named query parameter.
// Browsers cannot set headers on WebSocket upgrades.
func (m *AuthMiddleware) AllowQueryToken(param string) *AuthMiddleware {
	clone := *m
	clone.queryParam = param
	return &clone
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip authentication for certain paths
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := m.extractToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		principal, err := m.authenticator.Authenticate(r.Context(), tokenString)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}

		// Add principal to context
		ctx := logging.WithUserID(r.Context(), principal.UserID)
		ctx = logging.WithSessionID(ctx, principal.SessionID)
		if principal.Role != "" {
			ctx = logging.WithRole(ctx, principal.Role)
		}

		noteCaller(ctx, principal.UserID, principal.SessionID)
		m.logger.WithContext(ctx).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if m.queryParam != "" {
			if token := r.URL.Query().Get(m.queryParam); token != "" {
				return token, nil
			}
		}
		return "", errors.Unauthorized("Missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.Unauthorized("Invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("Authentication failed")
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetSessionID extracts the session ID from context
func GetSessionID(ctx context.Context) string {
	return logging.GetSessionID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireUserID middleware ensures user ID is present in context
func RequireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r.Context()) == "" {
			internalhttputil.Unauthorized(w, r, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole middleware rejects callers without the given role
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUserID(r.Context()) == "" {
				internalhttputil.Unauthorized(w, r, "")
				return
			}
			if GetUserRole(r.Context()) != role {
				internalhttputil.WriteError(w, r, errors.Forbidden("Insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
