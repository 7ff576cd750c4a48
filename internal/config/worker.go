package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig 工作节点代理配置（configs/worker.yaml）
type WorkerConfig struct {
	MasterURL         string        `yaml:"master_url"`
	Name              string        `yaml:"name"`
	Password          string        `yaml:"-"`
	GroupID           string        `yaml:"group_id"`
	Desc              string        `yaml:"desc"`
	Slots             int           `yaml:"slots"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	Shell             string        `yaml:"shell"`
	CAFile            string        `yaml:"ca_file"`
	ConfigFilePath    string        `yaml:"-"`
}

// LoadWorker 加载工作节点配置
//
// 优先级：环境变量 > worker.yaml > 默认值。名称与密码留空时由调用方生成。
func LoadWorker() *WorkerConfig {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	env = parseEnv(getEnv("APP_ENV", string(env)))

	cfg := &WorkerConfig{
		MasterURL:         "http://localhost:8080",
		Slots:             1,
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      3 * time.Second,
		Shell:             "sh",
	}
	for _, base := range effectiveConfigPaths(env) {
		path := filepath.Join(base, "worker.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "[config] failed to parse %s: %v\n", path, err)
			break
		}
		cfg.ConfigFilePath = path
		break
	}

	cfg.MasterURL = getEnv("MASTER_URL", cfg.MasterURL)
	cfg.Name = getEnv("WORKER_NAME", cfg.Name)
	cfg.Password = os.Getenv("WORKER_PASSWORD")
	cfg.GroupID = getEnv("WORKER_GROUP", cfg.GroupID)
	cfg.Desc = getEnv("WORKER_DESC", cfg.Desc)
	cfg.Shell = getEnv("WORKER_SHELL", cfg.Shell)
	cfg.CAFile = getEnv("TLS_CA_FILE", cfg.CAFile)
	envInt("WORKER_SLOTS", &cfg.Slots)
	envDuration("WORKER_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	envDuration("WORKER_POLL_INTERVAL", &cfg.PollInterval)
	return cfg
}
