// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml 覆盖 common.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件或环境变量中（YAML 中不存储任何密码）。
//
// 环境：
//   - 开发: APP_ENV=dev → configs/dev.yaml + .env.dev
//   - 测试: APP_ENV=test → configs/test.yaml + .env.test
//   - 生产: APP_ENV=prod → /etc/angel-master/prod.yaml
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Auth      AuthConfig      `yaml:"auth"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig Master HTTP 服务配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig 持久化配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite"（默认）、"postgres"、"mongo" 或 "none"
	Path     string `yaml:"path"`   // SQLite 文件路径，":memory:" 为内存库
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI
}

// RedisConfig 事件流配置，URL 为空时禁用
type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// EtcdConfig 主备选举配置，Endpoints 为空时禁用
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	ElectionTTL int           `yaml:"election_ttl"` // 秒
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MinIOConfig 日志归档配置，Endpoint 为空时禁用
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// AuthConfig 认证配置
// 注意：JWTSecret/AdminToken 只从环境变量读取，不存储在 YAML 中
type AuthConfig struct {
	JWTSecret  string        `yaml:"-"` // 只从 JWT_SECRET 环境变量读取，为空时关闭认证
	TokenTTL   time.Duration `yaml:"token_ttl"`
	AdminToken string        `yaml:"-"` // 只从 ADMIN_TOKEN 环境变量读取
}

// Enabled 是否启用认证
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	TTL                    time.Duration `yaml:"ttl"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	MaxRetries             int           `yaml:"max_retries"`
	MaxConcurrentPerWorker int           `yaml:"max_concurrent_per_worker"`
	MaxPullBatch           int           `yaml:"max_pull_batch"`
	DeadRetention          time.Duration `yaml:"dead_retention"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "sqlite", "postgres", "mongo" 或 "none"
	DatabaseURL    string
	DatabaseDBName string // MongoDB 数据库名称
	Server         ServerConfig
	Redis          RedisConfig
	Etcd           EtcdConfig
	MinIO          MinIOConfig
	Auth           AuthConfig
	Scheduler      SchedulerConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
