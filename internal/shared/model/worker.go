// Package model 定义核心数据模型
//
// worker.go 包含工作节点相关的数据模型定义：
//   - Worker：向 Master 注册并拉取任务的工作进程
//   - WorkerStatus：工作节点状态枚举
//   - WorkerMetrics：心跳上报的遥测数据
//   - WorkerHandle：注册表对外暴露的只读快照
package model

import "time"

// ============================================================================
// WorkerStatus - 工作节点状态
// ============================================================================

// WorkerStatus 表示工作节点的注册状态
//
// 状态流转：
//
//	register → alive ⇄ draining
//	             ↓         ↓
//	            dead ←─────┘
//	             ↓
//	     register（重连）→ alive
//
// 注意：alive 只是"尚未被宣告死亡"，真正的存活判断由
// refresh_time 与 TTL 惰性计算（见 Worker.IsLive）。
type WorkerStatus string

const (
	// WorkerStatusAlive 已注册且未被宣告死亡
	WorkerStatusAlive WorkerStatus = "alive"

	// WorkerStatusDraining 排空中：不再领取新任务，已持有的任务照常回调
	WorkerStatusDraining WorkerStatus = "draining"

	// WorkerStatusDead 已被心跳监视器或主动登出宣告死亡
	WorkerStatusDead WorkerStatus = "dead"
)

// ============================================================================
// WorkerMetrics - 遥测数据
// ============================================================================

// WorkerMetrics 每次心跳刷新的资源遥测
type WorkerMetrics struct {
	CPUFree      float64 `json:"cpu_free" bson:"cpu_free" db:"cpu_free"`                // 空闲 CPU 比例（0-100）
	MemoryFree   int64   `json:"memory_free" bson:"memory_free" db:"memory_free"`       // 空闲内存（字节）
	DiskRead     int64   `json:"disk_read" bson:"disk_read" db:"disk_read"`             // 磁盘读速率（字节/秒）
	DiskWrite    int64   `json:"disk_write" bson:"disk_write" db:"disk_write"`          // 磁盘写速率（字节/秒）
	NetSend      int64   `json:"net_send" bson:"net_send" db:"net_send"`                // 网络发送速率（字节/秒）
	NetRev       int64   `json:"net_rev" bson:"net_rev" db:"net_rev"`                   // 网络接收速率（字节/秒）
	RunningTasks int     `json:"running_tasks" bson:"running_tasks" db:"running_tasks"` // 工作节点自报的运行中任务数
}

// ============================================================================
// Worker - 工作节点
// ============================================================================

// Worker 表示一个注册到 Master 的工作进程
//
// 所有权：Worker 只由 Worker Registry 修改，调度器只读取快照。
//
// 字段说明：
//   - ID：注册时由认证层分配（worker-<uuid>）
//   - GroupID：所属机群分区，TaskGroup 通过 group_id 与之匹配
//   - RefreshTime：最后一次心跳时间，存活判断的唯一依据
//   - DeadAt：被宣告死亡的时间，用于过期清理
type Worker struct {
	ID      string `json:"id" bson:"_id" db:"id"`
	Name    string `json:"name" bson:"name" db:"name"`
	GroupID string `json:"group_id" bson:"group_id" db:"group_id"`
	Desc    string `json:"desc,omitempty" bson:"desc,omitempty" db:"description"`

	WorkerMetrics `bson:",inline"`

	Status       WorkerStatus `json:"status" bson:"status" db:"status"`
	RefreshTime  time.Time    `json:"refresh_time" bson:"refresh_time" db:"refresh_time"`
	RegisteredAt time.Time    `json:"registered_at" bson:"registered_at" db:"registered_at"`
	DeadAt       *time.Time   `json:"dead_at,omitempty" bson:"dead_at,omitempty" db:"dead_at"`
}

// IsLive 惰性存活判断：未被宣告死亡且 now - refresh_time < ttl
func (w *Worker) IsLive(now time.Time, ttl time.Duration) bool {
	if w.Status == WorkerStatusDead {
		return false
	}
	return now.Sub(w.RefreshTime) < ttl
}

// CanClaim 判断是否可以领取新任务
func (w *Worker) CanClaim(now time.Time, ttl time.Duration) bool {
	return w.Status == WorkerStatusAlive && w.IsLive(now, ttl)
}

// WorkerHandle 注册表返回的工作节点快照
//
// 快照是值拷贝，持有者对其修改不会影响注册表内部状态。
type WorkerHandle struct {
	Worker
	Alive bool `json:"alive"`
}
