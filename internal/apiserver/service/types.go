package service

import (
	"time"

	"angel-master/internal/shared/model"
)

// RegisterRequest 注册请求
type RegisterRequest struct {
	Name     string             `json:"name"`
	Password string             `json:"password"`
	Params   model.WorkerParams `json:"params"`
}

// LoginRequest 登录请求
type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// AuthResult 注册/登录结果，认证关闭时 Token 为空
type AuthResult struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token,omitempty"`
	GroupID  string `json:"group_id"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	WorkerID     string              `json:"worker_id"`
	Metrics      model.WorkerMetrics `json:"metrics"`
	RunningTasks []string            `json:"running_tasks,omitempty"` // 工作节点本地仍在执行的任务
}

// Directives Master 通过心跳响应下发的指令
type Directives struct {
	CancelTasks []string `json:"cancel_tasks"` // 应停止执行的任务：已不再分配给该工作节点
	Drain       bool     `json:"drain"`        // 停止拉取新任务
}

// HeartbeatResult 心跳结果
type HeartbeatResult struct {
	OK         bool       `json:"ok"`
	Directives Directives `json:"directives"`
}

// CallbackRequest 任务状态回报
type CallbackRequest struct {
	TaskID    string          `json:"task_id"`
	WorkerID  string          `json:"worker_id"`
	State     model.TaskState `json:"state"`
	ExitState *int            `json:"exit_state,omitempty"`
	DoneTime  *time.Time      `json:"done_time,omitempty"`
}

// LogRequest 任务日志上报
type LogRequest struct {
	TaskID   string         `json:"task_id"`
	WorkerID string         `json:"worker_id"`
	Level    model.LogLevel `json:"level,omitempty"`
	Content  string         `json:"content"`
}
