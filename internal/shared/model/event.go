// Package model 定义核心数据模型
//
// event.go 包含调度事件与任务日志的数据模型定义：
//   - SchedulerEvent：调度器内部发生的可观测事件
//   - EventType：事件类型枚举
//   - LogEntry：工作节点上报的任务日志
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 调度事件类型
//
// 事件分类：
//  1. 工作节点事件：worker.registered, worker.reconnected, worker.dead, worker.draining
//  2. 任务事件：task.assigned, task.running, task.done, task.failed, task.requeued, task.retry_exhausted
//  3. 作业组事件：job_group.submitted, job_group.completed, job_group.deleted
//  4. 日志事件：log
type EventType string

const (
	EventWorkerRegistered  EventType = "worker.registered"
	EventWorkerReconnected EventType = "worker.reconnected"
	EventWorkerDead        EventType = "worker.dead"
	EventWorkerDraining    EventType = "worker.draining"

	EventTaskAssigned       EventType = "task.assigned"
	EventTaskRunning        EventType = "task.running"
	EventTaskDone           EventType = "task.done"
	EventTaskFailed         EventType = "task.failed"
	EventTaskRequeued       EventType = "task.requeued"
	EventTaskRetryExhausted EventType = "task.retry_exhausted"

	EventJobGroupSubmitted EventType = "job_group.submitted"
	EventJobGroupCompleted EventType = "job_group.completed"
	EventJobGroupDeleted   EventType = "job_group.deleted"

	EventLog EventType = "log"
)

// SchedulerEvent 调度事件
//
// 事件通过 eventbus 发布，供 WebSocket 实时推送与 Redis Stream 留存。
type SchedulerEvent struct {
	ID         string          `json:"id" bson:"_id"`
	Type       EventType       `json:"type" bson:"type"`
	WorkerID   string          `json:"worker_id,omitempty" bson:"worker_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty" bson:"task_id,omitempty"`
	JobGroupID string          `json:"job_group_id,omitempty" bson:"job_group_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp" bson:"timestamp"`
}

// ============================================================================
// LogEntry - 任务日志
// ============================================================================

// LogLevel 日志级别
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry 工作节点通过 add_log 上报的一条任务日志
type LogEntry struct {
	ID        string    `json:"id" bson:"_id" db:"id"`
	TaskID    string    `json:"task_id" bson:"task_id" db:"task_id"`
	WorkerID  string    `json:"worker_id" bson:"worker_id" db:"worker_id"`
	Level     LogLevel  `json:"level" bson:"level" db:"level"`
	Content   string    `json:"content" bson:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" bson:"created_at" db:"created_at"`
}
