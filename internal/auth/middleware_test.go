package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_Disabled(t *testing.T) {
	config := &Config{Enabled: false}
	middleware := Middleware(config)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/forecast", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestMiddleware_MissingVerified(t *testing.T) {
	middleware := Middleware(DefaultConfig())

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/forecast", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingUserID(t *testing.T) {
	middleware := Middleware(DefaultConfig())

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/forecast", nil)
	req.Header.Set("X-Auth-Verified", "true")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestMiddleware_ValidHeaders(t *testing.T) {
	middleware := Middleware(DefaultConfig())

	var capturedUserID string
	var capturedRoles []string

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserID(r.Context())
		if !ok {
			t.Error("UserID not found in context")
		}
		capturedUserID = userID

		roles, ok := GetRoles(r.Context())
		if ok {
			capturedRoles = roles
		}

		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/etl/sync", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-User-ID", "user-456")
	req.Header.Set("X-Roles", `["admin", "analyst"]`)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	if capturedUserID != "user-456" {
		t.Errorf("Expected user_id 'user-456', got '%s'", capturedUserID)
	}

	if len(capturedRoles) != 2 || capturedRoles[0] != "admin" || capturedRoles[1] != "analyst" {
		t.Errorf("Expected roles ['admin', 'analyst'], got %v", capturedRoles)
	}
}

func TestMiddleware_CommaSeparatedRoles(t *testing.T) {
	middleware := Middleware(DefaultConfig())

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !HasRole(r.Context(), "admin") {
			t.Error("Expected admin role from comma-separated header")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/monitor", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("X-Roles", "admin, analyst")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestMiddleware_BypassHealth(t *testing.T) {
	middleware := Middleware(DefaultConfig())

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for /health bypass, got %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		wantCode int
	}{
		{"admin allowed", []string{"admin"}, http.StatusOK},
		{"analyst forbidden", []string{"analyst"}, http.StatusForbidden},
		{"no roles forbidden", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/v1/etl/sync", nil)
			ctx := req.Context()
			if tt.roles != nil {
				ctx = context.WithValue(ctx, RolesKey, tt.roles)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req.WithContext(ctx))

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}
