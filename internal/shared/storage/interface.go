// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调度核心（registry/taskstore）只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQLite、PostgreSQL）、mongostore/
//   - 初始化时由 factory.Open 根据配置选择实现并注入
//
// 写穿语义：核心先调用持久化接口，成功后才修改内存状态；
// 任何非领域错误（ErrNotFound/ErrDuplicate 以外）都被核心视为致命错误。
package storage

import (
	"context"

	"angel-master/internal/shared/model"
)

// ============================================================================
// 领域存储接口
// ============================================================================

// WorkerStore 工作节点注册表存储
type WorkerStore interface {
	// UpsertWorker 插入或覆盖工作节点
	UpsertWorker(ctx context.Context, w *model.Worker) error
	// DeleteWorker 删除工作节点（过期清理）
	DeleteWorker(ctx context.Context, id string) error
	// ListWorkers 列出全部工作节点（启动恢复）
	ListWorkers(ctx context.Context) ([]*model.Worker, error)
}

// TaskChangeSet 一次原子提交涉及的全部实体
//
// 同一提交中的实体按"整行覆盖"写入，实现必须在单个事务内完成。
type TaskChangeSet struct {
	JobGroups  []*model.JobGroup
	TaskGroups []*model.TaskGroup
	Tasks      []*model.Task
}

// Empty 是否没有任何变更
func (c *TaskChangeSet) Empty() bool {
	return len(c.JobGroups) == 0 && len(c.TaskGroups) == 0 && len(c.Tasks) == 0
}

// JobSnapshot 启动恢复时加载的完整作业快照
type JobSnapshot struct {
	JobGroups  []*model.JobGroup
	TaskGroups []*model.TaskGroup
	Tasks      []*model.Task
}

// JobStore 作业组/任务组/任务存储
type JobStore interface {
	// CreateJobGroup 在一个事务内插入新作业组及其全部任务组、任务
	// ID 冲突返回 ErrDuplicate
	CreateJobGroup(ctx context.Context, changes *TaskChangeSet) error
	// CommitTaskChanges 在一个事务内覆盖写入状态转换结果
	CommitTaskChanges(ctx context.Context, changes *TaskChangeSet) error
	// DeleteJobGroup 删除作业组及其任务组、任务，不存在返回 ErrNotFound
	DeleteJobGroup(ctx context.Context, id string) error
	// LoadJobs 加载全部作业数据
	LoadJobs(ctx context.Context) (*JobSnapshot, error)
}

// CredentialStore 工作节点凭据存储
type CredentialStore interface {
	// CreateCredential 创建凭据，名称重复返回 ErrDuplicate
	CreateCredential(ctx context.Context, c *model.Credential) error
	// GetCredentialByName 按名称查询，不存在返回 ErrNotFound
	GetCredentialByName(ctx context.Context, name string) (*model.Credential, error)
}

// LogStore 任务日志存储
type LogStore interface {
	AppendLog(ctx context.Context, entry *model.LogEntry) error
	// ListLogs 按时间顺序返回任务日志
	ListLogs(ctx context.Context, taskID string) ([]*model.LogEntry, error)
}

// PersistentStore 完整的持久化接口
type PersistentStore interface {
	WorkerStore
	JobStore
	CredentialStore
	LogStore

	Close() error
}
