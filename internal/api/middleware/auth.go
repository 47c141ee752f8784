package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/timamz/SmartScale/internal/api/response"
	"github.com/timamz/SmartScale/internal/auth"
)

// AdminTokenHeader is accepted as an alternative to a Bearer token.
const AdminTokenHeader = "X-Admin-Token"

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	authn *auth.Authenticator
}

// NewAuth creates a new Auth middleware.
func NewAuth(authn *auth.Authenticator) *Auth {
	return &Auth{authn: authn}
}

// Authenticate resolves the API key on the request to a principal and stores
// it in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return a.resolve(next, false)
}

// Identify authenticates the request when it carries a key and passes it
// through anonymously when it does not. A key that is present but wrong is
// still rejected.
func (a *Auth) Identify(next http.Handler) http.Handler {
	return a.resolve(next, true)
}

func (a *Auth) resolve(next http.Handler, optional bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if optional && !hasCredentials(r) {
			next.ServeHTTP(w, r)
			return
		}

		rawKey := extractToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		p, err := a.authn.Authenticate(r.Context(), rawKey)
		if errors.Is(err, auth.ErrUnauthenticated) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}
		if err != nil {
			slog.Error("api_key_lookup_failed", "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// RequireScope returns middleware that checks whether the authenticated
// principal has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Require(r.Context(), scope); err != nil {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasCredentials(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" || r.Header.Get(AdminTokenHeader) != ""
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(r.Header.Get(AdminTokenHeader))
}
