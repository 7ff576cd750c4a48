// Package storage 提供存储层抽象
//
// noop.go 提供用于测试与临时模式的 NoOp 实现
package storage

import (
	"context"
	"sort"
	"sync"

	"angel-master/internal/shared/model"
)

// ============================================================================
// NoOpStore - 不落盘的 PersistentStore 实现
// ============================================================================

// NoOpStore 调度状态的写入全部成功且不保存，启动恢复返回空快照。
//
// 凭据和日志只存在于持久化层，因此这两类数据保存在进程内存中，
// 使 database.driver=none 时注册/登录与日志查询仍然可用。
type NoOpStore struct {
	mu    sync.RWMutex
	creds map[string]*model.Credential
	logs  map[string][]*model.LogEntry
}

// NewNoOpStore 创建 NoOpStore 实例
func NewNoOpStore() *NoOpStore {
	return &NoOpStore{
		creds: make(map[string]*model.Credential),
		logs:  make(map[string][]*model.LogEntry),
	}
}

func (s *NoOpStore) UpsertWorker(ctx context.Context, w *model.Worker) error { return nil }
func (s *NoOpStore) DeleteWorker(ctx context.Context, id string) error       { return nil }
func (s *NoOpStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	return nil, nil
}

func (s *NoOpStore) CreateJobGroup(ctx context.Context, changes *TaskChangeSet) error {
	return nil
}
func (s *NoOpStore) CommitTaskChanges(ctx context.Context, changes *TaskChangeSet) error {
	return nil
}
func (s *NoOpStore) DeleteJobGroup(ctx context.Context, id string) error { return nil }
func (s *NoOpStore) LoadJobs(ctx context.Context) (*JobSnapshot, error) {
	return &JobSnapshot{}, nil
}

func (s *NoOpStore) CreateCredential(ctx context.Context, c *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.Name]; ok {
		return ErrDuplicate
	}
	cp := *c
	s.creds[c.Name] = &cp
	return nil
}

func (s *NoOpStore) GetCredentialByName(ctx context.Context, name string) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *NoOpStore) AppendLog(ctx context.Context, entry *model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.logs[entry.TaskID] = append(s.logs[entry.TaskID], &cp)
	return nil
}

func (s *NoOpStore) ListLogs(ctx context.Context, taskID string) ([]*model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.logs[taskID]
	out := make([]*model.LogEntry, 0, len(src))
	for _, e := range src {
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close 关闭存储
func (s *NoOpStore) Close() error {
	return nil
}

// 确保 NoOpStore 实现了 PersistentStore 接口
var _ PersistentStore = (*NoOpStore)(nil)
