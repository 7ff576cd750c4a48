// Package model 定义核心数据模型
//
// jobgroup.go 包含任务分组相关的数据模型定义：
//   - JobGroup：一次提交的顶层工作单元，聚合多个 TaskGroup
//   - TaskGroup：共享机群亲和性的一组任务
//   - JobGroupSpec/TaskGroupSpec/TaskSpec：声明式提交载荷
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// TaskGroupState - 任务组状态
// ============================================================================

// TaskGroupState 由成员任务推导出的聚合状态
//
//   - active：存在非终态任务
//   - completed：所有任务 done
//   - partially_failed：全部终态且至少一个 failed
type TaskGroupState string

const (
	TaskGroupStateActive          TaskGroupState = "active"
	TaskGroupStateCompleted       TaskGroupState = "completed"
	TaskGroupStatePartiallyFailed TaskGroupState = "partially_failed"
)

// ============================================================================
// TaskGroup - 任务组
// ============================================================================

// TaskGroup 共享同一机群分区的任务集合
type TaskGroup struct {
	ID         string `json:"id" bson:"_id" db:"id"`
	JobGroupID string `json:"job_group_id" bson:"job_group_id" db:"job_group_id"`
	GroupID    string `json:"group_id" bson:"group_id" db:"group_id"`
	Name       string `json:"name,omitempty" bson:"name,omitempty" db:"name"`

	TaskCounters `bson:",inline"`

	State     TaskGroupState `json:"state" bson:"state" db:"state"`
	RuntimeMs int64          `json:"runtime_ms" bson:"runtime_ms" db:"runtime_ms"` // 成员任务累计执行耗时
	DoneTime  *time.Time     `json:"done_time,omitempty" bson:"done_time,omitempty" db:"done_time"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at" db:"created_at"`
}

// Refresh 根据计数重新推导状态；首次离开 active 时记录 done_time
func (g *TaskGroup) Refresh(now time.Time) {
	switch {
	case g.Active():
		g.State = TaskGroupStateActive
		g.DoneTime = nil
		return
	case g.FailedCount > 0:
		g.State = TaskGroupStatePartiallyFailed
	default:
		g.State = TaskGroupStateCompleted
	}
	if g.DoneTime == nil {
		t := now
		g.DoneTime = &t
	}
}

// ============================================================================
// JobGroup - 作业组
// ============================================================================

// JobGroup 顶层工作单元
//
// 计数与成员任务的状态转换在同一次提交中更新，不做额外扫描。
type JobGroup struct {
	ID   string `json:"id" bson:"_id" db:"id"`
	Name string `json:"name,omitempty" bson:"name,omitempty" db:"name"`

	TaskCounters `bson:",inline"`

	TaskGroupIDs []string   `json:"task_group_ids" bson:"task_group_ids" db:"-"`
	DoneTime     *time.Time `json:"done_time,omitempty" bson:"done_time,omitempty" db:"done_time"`
	CreatedAt    time.Time  `json:"created_at" bson:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

// IsAlive 是否还有非终态任务
func (g *JobGroup) IsAlive() bool {
	return g.Active()
}

// Refresh 维护 done_time
func (g *JobGroup) Refresh(now time.Time) {
	g.UpdatedAt = now
	if g.Active() {
		g.DoneTime = nil
		return
	}
	if g.DoneTime == nil {
		t := now
		g.DoneTime = &t
	}
}

// ============================================================================
// 提交载荷
// ============================================================================

// JobGroupSpec 作业组提交载荷
type JobGroupSpec struct {
	Name       string          `json:"name,omitempty"`
	TaskGroups []TaskGroupSpec `json:"task_groups"`
}

// TaskGroupSpec 任务组提交载荷，group_id 必填，"*" 表示任意机群
type TaskGroupSpec struct {
	Name    string     `json:"name,omitempty"`
	GroupID string     `json:"group_id"`
	Tasks   []TaskSpec `json:"tasks"`
}

// TaskSpec 单个任务载荷，payload 对调度器不透明
type TaskSpec struct {
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskCount 载荷中的任务总数
func (s *JobGroupSpec) TaskCount() int {
	n := 0
	for _, g := range s.TaskGroups {
		n += len(g.Tasks)
	}
	return n
}
