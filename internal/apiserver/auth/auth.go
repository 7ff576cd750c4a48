// Package auth 工作节点认证：凭据、JWT 令牌、HTTP 中间件
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"angel-master/internal/config"
)

// contextKey context 键类型
type contextKey string

const ctxKeyIdentity contextKey = "identity"

// 角色
const (
	RoleAdmin  = "admin"
	RoleWorker = "worker"
)

// Identity 中间件解析出的调用方身份
type Identity struct {
	WorkerID string // 角色为 worker 时有效
	Role     string
}

// IsAdmin 是否为管理员
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// Config 认证配置
type Config struct {
	JWTSecret  string
	TokenTTL   time.Duration
	AdminToken string // 管理接口共享密钥，请求头 X-Admin-Token
}

// DefaultConfig 返回默认认证配置
func DefaultConfig() Config {
	return Config{
		JWTSecret: "",
		TokenTTL:  24 * time.Hour,
	}
}

// FromSettings 由应用配置构造
func FromSettings(s config.AuthConfig) Config {
	cfg := DefaultConfig()
	cfg.JWTSecret = s.JWTSecret
	cfg.AdminToken = s.AdminToken
	if s.TokenTTL > 0 {
		cfg.TokenTTL = s.TokenTTL
	}
	return cfg
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// ============================================================================
// 密码哈希
// ============================================================================

const bcryptCost = 12

// HashPassword 使用 bcrypt 哈希密码
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	return string(bytes), err
}

// CheckPassword 验证密码
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明，sub 为 worker_id
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// GenerateToken 生成访问令牌
func GenerateToken(cfg Config, workerID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TokenTTL)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithIdentity 将调用方身份注入 context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// GetIdentity 从 context 获取调用方身份
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*Identity)
	return id
}
