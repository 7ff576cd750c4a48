package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angel-master/internal/shared/scherr"
)

func TestIsPublicRoute(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		expected bool
	}{
		{"register", "POST", "/register", true},
		{"login", "POST", "/login", true},
		{"health", "GET", "/health", true},
		{"metrics", "GET", "/metrics", true},

		{"heartbeat", "POST", "/heartbeat", false},
		{"pull", "POST", "/pull", false},
		{"job group", "POST", "/job_group", false},
		{"get register", "GET", "/register", false},
		{"events", "GET", "/ws/events", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isPublicRoute(tt.method, tt.path))
		})
	}
}

func TestIsValidAdminToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string // 配置中的 AdminToken
		header   string // 请求中的 X-Admin-Token
		expected bool
	}{
		{"valid token", "secret123", "secret123", true},
		{"wrong token", "secret123", "wrong", false},
		{"empty header", "secret123", "", false},
		{"no config token", "", "secret123", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/workers", nil)
			if tt.header != "" {
				r.Header.Set(AdminTokenHeader, tt.header)
			}
			assert.Equal(t, tt.expected, isValidAdminToken(r, tt.token))
		})
	}
}

// capture 记录中间件注入的身份
func capture(got **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = GetIdentity(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddleware(t *testing.T) {
	cfg := Config{JWTSecret: "jwt-secret", TokenTTL: time.Hour, AdminToken: "admin-secret"}
	token, err := GenerateToken(cfg, "worker-1", RoleWorker)
	require.NoError(t, err)
	expired, err := GenerateToken(Config{JWTSecret: "jwt-secret", TokenTTL: -time.Minute}, "worker-1", RoleWorker)
	require.NoError(t, err)

	tests := []struct {
		name     string
		method   string
		path     string
		header   map[string]string
		status   int
		identity *Identity
	}{
		{"public", "POST", "/login", nil, http.StatusNoContent, nil},
		{"missing header", "POST", "/pull", nil, http.StatusUnauthorized, nil},
		{"bad scheme", "POST", "/pull", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, nil},
		{"expired", "POST", "/pull", map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized, nil},
		{"worker", "POST", "/pull", map[string]string{"Authorization": "Bearer " + token}, http.StatusNoContent,
			&Identity{WorkerID: "worker-1", Role: RoleWorker}},
		{"admin", "GET", "/workers", map[string]string{AdminTokenHeader: "admin-secret"}, http.StatusNoContent,
			&Identity{Role: RoleAdmin}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Identity
			r := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			Middleware(cfg)(capture(&got)).ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.identity, got)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), string(scherr.CodeUnauthorized))
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	var got *Identity
	w := httptest.NewRecorder()
	Middleware(DefaultConfig())(capture(&got)).ServeHTTP(w, httptest.NewRequest("POST", "/pull", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, got.IsAdmin())
}

func TestAdminOnly(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

	r := httptest.NewRequest("GET", "/workers", nil)
	r = r.WithContext(WithIdentity(r.Context(), &Identity{WorkerID: "w1", Role: RoleWorker}))
	w := httptest.NewRecorder()
	AdminOnly(ok)(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = r.WithContext(WithIdentity(r.Context(), &Identity{Role: RoleAdmin}))
	w = httptest.NewRecorder()
	AdminOnly(ok)(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAuthorize(t *testing.T) {
	assert.ErrorIs(t, Authorize(nil, "w1"), scherr.ErrUnauthorized)
	assert.NoError(t, Authorize(&Identity{Role: RoleAdmin}, "w1"))
	assert.NoError(t, Authorize(&Identity{WorkerID: "w1", Role: RoleWorker}, "w1"))
	assert.ErrorIs(t, Authorize(&Identity{WorkerID: "w2", Role: RoleWorker}, "w1"), scherr.ErrForbidden)
}
