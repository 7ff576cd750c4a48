// Package model 定义核心数据模型
//
// task.go 包含任务相关的数据模型定义：
//   - Task：最小调度单元，由工作节点拉取执行
//   - TaskState：任务状态枚举及合法转换
//   - FailReason：失败原因
//   - TaskCounters：TaskGroup/JobGroup 共用的聚合计数
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// AnyGroup 表示任意机群，TaskGroup 的 group_id 为 "*" 时任何工作节点均可领取
const AnyGroup = "*"

// ============================================================================
// TaskState - 任务状态
// ============================================================================

// TaskState 表示任务的状态
//
// 状态机：
//
//	pending → assigned → running → done
//	             │          │   ↘
//	             │          └────→ failed
//	             └──────────────→ done | failed
//	assigned | running → orphaned → pending（工作节点死亡后重新入队）
//
// orphaned 是重新入队过程中的瞬时状态，与 pending 在同一次提交内完成，
// 因此持久化层不会观察到停留在 orphaned 的任务。
type TaskState string

const (
	TaskStatePending  TaskState = "pending"
	TaskStateAssigned TaskState = "assigned"
	TaskStateRunning  TaskState = "running"
	TaskStateDone     TaskState = "done"
	TaskStateFailed   TaskState = "failed"
	TaskStateOrphaned TaskState = "orphaned"
)

// IsTerminal 判断是否为终态
func (s TaskState) IsTerminal() bool {
	return s == TaskStateDone || s == TaskStateFailed
}

// IsHeld 判断任务是否被某个工作节点持有
func (s TaskState) IsHeld() bool {
	return s == TaskStateAssigned || s == TaskStateRunning
}

// IsValid 判断是否为已知状态
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStatePending, TaskStateAssigned, TaskStateRunning,
		TaskStateDone, TaskStateFailed, TaskStateOrphaned:
		return true
	}
	return false
}

// CanReport 判断工作节点回调是否允许 from → to 的转换
//
// 合法转换：assigned→running、assigned|running→done、assigned|running→failed
func CanReport(from, to TaskState) bool {
	switch to {
	case TaskStateRunning:
		return from == TaskStateAssigned
	case TaskStateDone, TaskStateFailed:
		return from.IsHeld()
	}
	return false
}

// FailReason 任务失败原因
type FailReason string

const (
	FailReasonNone FailReason = ""
	// FailReasonReported 工作节点回调 failed
	FailReasonReported FailReason = "reported"
	// FailReasonCancelled 级联删除 JobGroup 时被取消
	FailReasonCancelled FailReason = "cancelled"
	// FailReasonRetryExhausted 重新入队次数超过上限
	FailReasonRetryExhausted FailReason = "retry_exhausted"
)

// ============================================================================
// Task - 任务
// ============================================================================

// Task 最小调度单元
//
// 所有权：Task 只由 Task Store 修改；Dispatcher 与 Service 拿到的都是拷贝。
//
// 字段说明：
//   - Seq：全局单调递增的提交序号，ID 为 task-<补零的 Seq>，按 ID 排序即 FIFO
//   - GroupID：从 TaskGroup 复制的机群分区，领取时用于亲和性匹配
//   - AssignedWorkerID：当前持有者，仅 assigned/running 时非空
//   - RetryCount：因持有者死亡而重新入队的次数
type Task struct {
	ID          string          `json:"id" bson:"_id" db:"id"`
	Seq         int64           `json:"seq" bson:"seq" db:"seq"`
	TaskGroupID string          `json:"task_group_id" bson:"task_group_id" db:"task_group_id"`
	JobGroupID  string          `json:"job_group_id" bson:"job_group_id" db:"job_group_id"`
	GroupID     string          `json:"group_id" bson:"group_id" db:"group_id"`
	Name        string          `json:"name,omitempty" bson:"name,omitempty" db:"name"`
	Payload     json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty" db:"payload"`

	State            TaskState  `json:"state" bson:"state" db:"state"`
	AssignedWorkerID string     `json:"assigned_worker_id,omitempty" bson:"assigned_worker_id,omitempty" db:"assigned_worker_id"`
	AssignedTime     *time.Time `json:"assigned_time,omitempty" bson:"assigned_time,omitempty" db:"assigned_time"`
	StartedTime      *time.Time `json:"started_time,omitempty" bson:"started_time,omitempty" db:"started_time"`
	RetryCount       int        `json:"retry_count" bson:"retry_count" db:"retry_count"`

	DoneTime   *time.Time `json:"done_time,omitempty" bson:"done_time,omitempty" db:"done_time"`
	ExitState  *int       `json:"exit_state,omitempty" bson:"exit_state,omitempty" db:"exit_state"`
	FailReason FailReason `json:"fail_reason,omitempty" bson:"fail_reason,omitempty" db:"fail_reason"`

	CreatedAt time.Time `json:"created_at" bson:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

// TaskID 根据提交序号生成任务 ID
func TaskID(seq int64) string {
	return fmt.Sprintf("task-%012d", seq)
}

// IsHeldBy 判断任务当前是否由指定工作节点持有
func (t *Task) IsHeldBy(workerID string) bool {
	return t.State.IsHeld() && t.AssignedWorkerID == workerID
}

// Eligible 判断任务对给定亲和性是否可领取
//
// affinity 为 nil 表示不限机群；否则任务的 group_id 必须等于 *affinity 或为 "*"。
func (t *Task) Eligible(affinity *string) bool {
	if t.State != TaskStatePending {
		return false
	}
	if affinity == nil || t.GroupID == AnyGroup {
		return true
	}
	return t.GroupID == *affinity
}

// Runtime 返回任务执行耗时（仅终态且有开始时间时有意义）
func (t *Task) Runtime() time.Duration {
	if t.DoneTime == nil {
		return 0
	}
	start := t.StartedTime
	if start == nil {
		start = t.AssignedTime
	}
	if start == nil || t.DoneTime.Before(*start) {
		return 0
	}
	return t.DoneTime.Sub(*start)
}

// ============================================================================
// TaskCounters - 聚合计数
// ============================================================================

// TaskCounters TaskGroup 与 JobGroup 共用的任务计数
//
// Running 统计 assigned 与 running 两种状态，orphaned 计入 Pending。
type TaskCounters struct {
	PendingCount int `json:"pending_count" bson:"pending_count" db:"pending_count"`
	RunningCount int `json:"running_count" bson:"running_count" db:"running_count"`
	DoneCount    int `json:"done_count" bson:"done_count" db:"done_count"`
	FailedCount  int `json:"failed_count" bson:"failed_count" db:"failed_count"`
	TotalCount   int `json:"total_count" bson:"total_count" db:"total_count"`
}

func (c *TaskCounters) bucket(s TaskState) *int {
	switch s {
	case TaskStatePending, TaskStateOrphaned:
		return &c.PendingCount
	case TaskStateAssigned, TaskStateRunning:
		return &c.RunningCount
	case TaskStateDone:
		return &c.DoneCount
	case TaskStateFailed:
		return &c.FailedCount
	}
	return nil
}

// Add 新增一个处于 s 状态的任务
func (c *TaskCounters) Add(s TaskState) {
	if b := c.bucket(s); b != nil {
		*b++
	}
	c.TotalCount++
}

// Move 记录一次 from → to 的状态转换
func (c *TaskCounters) Move(from, to TaskState) {
	if from == to {
		return
	}
	if b := c.bucket(from); b != nil {
		*b--
	}
	if b := c.bucket(to); b != nil {
		*b++
	}
}

// Active 是否还有非终态任务
func (c *TaskCounters) Active() bool {
	return c.PendingCount+c.RunningCount > 0
}
