// Package logging 结构化日志
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, discard, or file path
	Component string `json:"component"`
}

// parseLevel 解析日志级别，未知值按 info 处理
func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "discard":
		output = io.Discard
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler).With(slog.String("component", cfg.Component))}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Nop 丢弃全部输出的日志器（测试用）
func Nop() *Logger {
	return New(Config{Output: "discard", Level: "error"})
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{Logger: l.Logger.With(attrs...)}
}

// WithWorkerID 添加 Worker ID
func (l *Logger) WithWorkerID(workerID string) *Logger {
	return l.with(slog.String("worker_id", workerID))
}

// TaskLog 任务事件日志
func (l *Logger) TaskLog(action, jobGroupID, taskID string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String("job_group_id", jobGroupID),
		slog.String("task_id", taskID),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Task event", attrs...)
}

// HeartbeatLog 心跳日志
//
// interval 为距上次心跳的间隔，err 非 nil 表示心跳被拒绝。
func (l *Logger) HeartbeatLog(workerID, status string, interval time.Duration, err error) {
	attrs := []any{
		slog.String("worker_id", workerID),
		slog.String("status", status),
		slog.Float64("interval_ms", float64(interval.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Heartbeat rejected", attrs...)
	} else {
		l.Logger.Debug("Heartbeat received", attrs...)
	}
}
