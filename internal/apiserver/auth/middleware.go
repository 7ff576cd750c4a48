package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"angel-master/internal/shared/scherr"
)

// AdminTokenHeader 管理接口共享密钥请求头
const AdminTokenHeader = "X-Admin-Token"

// 免认证路由（方法 + 路径精确匹配）
var publicRoutes = map[string]bool{
	"POST /register": true,
	"POST /login":    true,
	"GET /health":    true,
	"GET /metrics":   true,
}

func isPublicRoute(method, path string) bool {
	return publicRoutes[method+" "+path]
}

func isValidAdminToken(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	got := r.Header.Get(AdminTokenHeader)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// Middleware 解析调用方身份
//
// 顺序：X-Admin-Token → 公开路由 → 无认证模式（视为管理员）→ Bearer JWT。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isValidAdminToken(r, cfg.AdminToken) {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Role: RoleAdmin})))
				return
			}

			if isPublicRoute(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// 无认证模式：worker_id 以请求体为准
			if !cfg.Enabled() {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Role: RoleAdmin})))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, scherr.CodeUnauthorized, "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, scherr.CodeUnauthorized, "invalid authorization header")
				return
			}

			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				log.Printf("[auth.token.invalid] path=%s error=%v", r.URL.Path, err)
				writeError(w, http.StatusUnauthorized, scherr.CodeUnauthorized, "invalid or expired token")
				return
			}

			id := &Identity{WorkerID: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// AdminOnly 管理员专属路由中间件
func AdminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !GetIdentity(r.Context()).IsAdmin() {
			writeError(w, http.StatusForbidden, scherr.CodeForbidden, "admin access required")
			return
		}
		next(w, r)
	}
}

// Authorize 校验调用方能否以 workerID 的身份操作
//
// 管理员不受限制；工作节点只能操作自己。
func Authorize(id *Identity, workerID string) error {
	switch {
	case id == nil:
		return scherr.New(scherr.CodeUnauthorized, "missing identity")
	case id.IsAdmin():
		return nil
	case id.Role == RoleWorker && id.WorkerID == workerID:
		return nil
	}
	return scherr.New(scherr.CodeForbidden, "token subject does not match worker_id %s", workerID)
}

func writeError(w http.ResponseWriter, status int, code scherr.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": string(code), "message": message},
	})
}
