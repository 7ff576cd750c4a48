// Package scheduler 调度器配置
package scheduler

import (
	"time"

	"angel-master/internal/config"
)

// Config 调度器配置
type Config struct {
	// Dispatch 拉取分配配置
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Monitor 心跳监视器配置
	Monitor MonitorConfig `yaml:"monitor"`
}

// DispatchConfig 拉取分配配置
type DispatchConfig struct {
	// MaxConcurrentPerWorker 单个工作节点同时持有的任务上限，0 表示不限制
	MaxConcurrentPerWorker int `yaml:"max_concurrent_per_worker"`

	// MaxPullBatch 单次拉取的任务数上限
	MaxPullBatch int `yaml:"max_pull_batch"`
}

// MonitorConfig 心跳监视器配置
type MonitorConfig struct {
	// SweepInterval 扫描间隔
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DeadRetention 死亡工作节点保留时长，超过后从注册表清理
	DeadRetention time.Duration `yaml:"dead_retention"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			MaxConcurrentPerWorker: 0,
			MaxPullBatch:           32,
		},
		Monitor: MonitorConfig{
			SweepInterval: 10 * time.Second,
			DeadRetention: time.Hour,
		},
	}
}

// FromSettings 由应用配置构造调度器配置
func FromSettings(s config.SchedulerConfig) *Config {
	cfg := &Config{
		Dispatch: DispatchConfig{
			MaxConcurrentPerWorker: s.MaxConcurrentPerWorker,
			MaxPullBatch:           s.MaxPullBatch,
		},
		Monitor: MonitorConfig{
			SweepInterval: s.SweepInterval,
			DeadRetention: s.DeadRetention,
		},
	}
	cfg.Validate()
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Dispatch.MaxConcurrentPerWorker < 0 {
		c.Dispatch.MaxConcurrentPerWorker = 0
	}
	if c.Dispatch.MaxPullBatch <= 0 {
		c.Dispatch.MaxPullBatch = 32
	}
	if c.Monitor.SweepInterval <= 0 {
		c.Monitor.SweepInterval = 10 * time.Second
	}
	if c.Monitor.DeadRetention <= 0 {
		c.Monitor.DeadRetention = time.Hour
	}
	return nil
}
