// Package auth validates gateway-verified identity headers. The service
// never checks credentials itself; the gateway (Envoy/NGINX) verifies the
// caller's token and forwards identity and roles as trusted headers.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	// Context keys for request-scoped identity
	UserIDKey contextKey = "user_id"
	RolesKey  contextKey = "roles"
)

// RoleAdmin gates the ETL and monitor endpoints.
const RoleAdmin = "admin"

// Config holds identity middleware configuration
type Config struct {
	Enabled          bool
	RequireVerified  bool   // Require X-Auth-Verified header
	UserIDHeader     string // Default: "X-User-ID"
	RolesHeader      string // Default: "X-Roles"
	VerifiedHeader   string // Default: "X-Auth-Verified"
	BypassForHealth  bool   // Allow /health without identity
	BypassForMetrics bool   // Allow /metrics without identity
}

// DefaultConfig returns production defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		RequireVerified:  true,
		UserIDHeader:     "X-User-ID",
		RolesHeader:      "X-Roles",
		VerifiedHeader:   "X-Auth-Verified",
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// Middleware binds gateway-verified identity headers to the request context.
func Middleware(config *Config) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if config.BypassForHealth && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForMetrics && r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if config.RequireVerified {
				if r.Header.Get(config.VerifiedHeader) != "true" {
					sendError(w, http.StatusUnauthorized, "Unauthorized: identity verification required at gateway")
					return
				}
			}

			userID := r.Header.Get(config.UserIDHeader)
			if userID == "" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: missing user identity")
				return
			}

			// Roles arrive as a JSON array, with comma-separated fallback
			var roles []string
			rolesRaw := r.Header.Get(config.RolesHeader)
			if rolesRaw != "" {
				if err := json.Unmarshal([]byte(rolesRaw), &roles); err != nil {
					roles = strings.Split(rolesRaw, ",")
					for i := range roles {
						roles[i] = strings.TrimSpace(roles[i])
					}
				}
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			if len(roles) > 0 {
				ctx = context.WithValue(ctx, RolesKey, roles)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin wraps a handler and hard-fails callers without the admin role.
func RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !HasRole(r.Context(), RoleAdmin) {
			sendError(w, http.StatusForbidden, "Forbidden: admin role required")
			return
		}
		next(w, r)
	}
}

// GetUserID extracts the caller identity from request context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// GetRoles extracts roles from request context
func GetRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(RolesKey).([]string)
	return roles, ok
}

// HasRole checks if the request carries the given role
func HasRole(ctx context.Context, role string) bool {
	roles, ok := GetRoles(ctx)
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// sendError writes JSON error response
func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
