package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env（敏感信息 + APP_ENV）
//  2. 加载 configs/common.yaml，再用 configs/{env}.yaml 覆盖
//  3. 环境变量覆盖 YAML
//  4. Validate 填充默认值
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	// .env 中也可能声明 APP_ENV
	env = parseEnv(getEnv("APP_ENV", string(env)))

	yamlCfg := loadYAMLConfig(env)
	cfg := buildConfig(env, yamlCfg)
	cfg.Validate()
	return cfg
}

// Default 只含代码默认值的配置，不读取 .env、YAML 与环境变量
func Default() *Config {
	y := defaultYAMLConfig()
	cfg := &Config{
		Env:            EnvDevelopment,
		DatabaseDriver: y.Database.Driver,
		DatabaseURL:    buildDatabaseURL(y.Database),
		DatabaseDBName: y.Database.Name,
		Server:         y.Server,
		Redis:          y.Redis,
		Etcd:           y.Etcd,
		MinIO:          y.MinIO,
		Auth:           y.Auth,
		Scheduler:      y.Scheduler,
	}
	cfg.Validate()
	return cfg
}

// defaultYAMLConfig 代码硬编码默认值
func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "angel-master.db", Host: "localhost", Port: 5432, User: "angel", Name: "angel_master", SSLMode: "disable"},
		Redis:    RedisConfig{Stream: "angel:events", MaxLen: 10000},
		Etcd:     EtcdConfig{Prefix: "/angel-master", ElectionTTL: 10, DialTimeout: 5 * time.Second},
		MinIO:    MinIOConfig{Bucket: "angel-logs"},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		Scheduler: SchedulerConfig{
			HeartbeatInterval: 10 * time.Second,
			SweepInterval:     10 * time.Second,
			MaxRetries:        5,
			MaxPullBatch:      32,
			DeadRetention:     time.Hour,
		},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}

	paths := effectiveConfigPaths(env)
	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range paths {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
				fmt.Fprintf(os.Stderr, "[config] failed to parse %s: %v\n", path, err)
				break
			}
			cfg.loadedFrom = path
			break
		}
	}
	return cfg
}

// buildConfig 合并 YAML 与环境变量
func buildConfig(env Environment, y *yamlConfigInternal) *Config {
	db := y.Database
	db.Password = getEnv("DB_PASSWORD", db.Password)
	if p := os.Getenv("SQLITE_PATH"); p != "" {
		db.Path = p
	}

	databaseURL := os.Getenv("DATABASE_URL")
	db.Driver = detectDatabaseDriver(getEnv("DB_DRIVER", db.Driver), databaseURL)
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(db)
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: db.Driver,
		DatabaseURL:    databaseURL,
		DatabaseDBName: getEnv("MONGO_DB", db.Name),
		Server:         y.Server,
		Redis:          y.Redis,
		Etcd:           y.Etcd,
		MinIO:          y.MinIO,
		Auth:           y.Auth,
		Scheduler:      y.Scheduler,
		ConfigFilePath: y.loadedFrom,
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = strings.Split(v, ",")
	}
	cfg.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", cfg.MinIO.Endpoint)
	cfg.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	cfg.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")
	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Auth.AdminToken = os.Getenv("ADMIN_TOKEN")

	s := &cfg.Scheduler
	envDuration("SCHEDULER_HEARTBEAT_INTERVAL", &s.HeartbeatInterval)
	envDuration("SCHEDULER_TTL", &s.TTL)
	envDuration("SCHEDULER_SWEEP_INTERVAL", &s.SweepInterval)
	envInt("SCHEDULER_MAX_RETRIES", &s.MaxRetries)
	envInt("SCHEDULER_MAX_CONCURRENT_PER_WORKER", &s.MaxConcurrentPerWorker)
	envInt("SCHEDULER_MAX_PULL_BATCH", &s.MaxPullBatch)

	return cfg
}

// Validate 验证并填充默认值
func (c *Config) Validate() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.DatabaseDBName == "" {
		c.DatabaseDBName = "angel_master"
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "angel:events"
	}
	if c.Etcd.ElectionTTL <= 0 {
		c.Etcd.ElectionTTL = 10
	}
	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = "/angel-master"
	}
	c.Scheduler.validate()
}

// validate 验证并填充调度器默认值
func (s *SchedulerConfig) validate() {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 10 * time.Second
	}
	if s.TTL <= 0 {
		s.TTL = 3 * s.HeartbeatInterval
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = 10 * time.Second
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 5
	}
	if s.MaxConcurrentPerWorker < 0 {
		s.MaxConcurrentPerWorker = 0
	}
	if s.MaxPullBatch <= 0 {
		s.MaxPullBatch = 32
	}
	if s.DeadRetention <= 0 {
		s.DeadRetention = time.Hour
	}
}
