// Package registry 工作节点注册表
//
// Registry 是 Worker 的唯一所有者：注册、心跳刷新、死亡标记、排空与过期清理
// 都通过这里完成，调度器只读取快照。
//
// 锁粒度：
//   - Registry.mu（RWMutex）只保护 map 的查找与插入
//   - 每个 entry 有自己的互斥锁，保护该工作节点的全部字段
//   - 加锁顺序固定为 Registry.mu → entry.mu，不同工作节点的心跳互不阻塞
//
// 写穿：每次修改先写入 storage.WorkerStore，成功后才更新内存。
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
	"angel-master/internal/shared/storage"
	"angel-master/pkg/logging"
)

// Registration 注册参数
type Registration struct {
	WorkerID string
	Name     string
	GroupID  string
	Desc     string
}

type entry struct {
	mu      sync.Mutex
	present bool // 注册写入失败时占位 entry 保持 false，对外不可见
	w       model.Worker
}

// Registry 工作节点注册表
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry

	store  storage.WorkerStore
	policy Policy
	logger *logging.Logger
}

// New 创建注册表
func New(store storage.WorkerStore, policy Policy, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default("registry")
	}
	if policy.Clock == nil || policy.TTL <= 0 {
		policy = NewPolicy(policy.TTL, policy.Clock)
	}
	return &Registry{
		workers: make(map[string]*entry),
		store:   store,
		policy:  policy,
		logger:  logger,
	}
}

// Policy 返回存活策略
func (r *Registry) Policy() Policy {
	return r.policy
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

func (r *Registry) handle(w *model.Worker) model.WorkerHandle {
	return model.WorkerHandle{Worker: *w, Alive: r.policy.IsLive(w)}
}

func (r *Registry) persist(ctx context.Context, w *model.Worker) error {
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return scherr.Persistence(err, "upsert worker "+w.ID)
	}
	return nil
}

// ============================================================================
// 注册 / 心跳 / 登出
// ============================================================================

// Register 注册工作节点
//
// 已注册且存活返回 DUPLICATE_WORKER；已死亡（或超时未被扫描）的工作节点
// 重新注册视为重连：遥测清零、存活恢复，reconnected=true 提示调用方
// 回收上一个实例仍持有的任务。
func (r *Registry) Register(ctx context.Context, reg Registration) (model.WorkerHandle, bool, error) {
	if reg.WorkerID == "" {
		return model.WorkerHandle{}, false, scherr.New(scherr.CodeInvalidRequest, "worker_id is required")
	}
	if reg.GroupID == "" {
		reg.GroupID = model.DefaultWorkerGroup
	}

	r.mu.Lock()
	e, ok := r.workers[reg.WorkerID]
	if !ok {
		e = &entry{}
		r.workers[reg.WorkerID] = e
	}
	e.mu.Lock()
	r.mu.Unlock()
	defer e.mu.Unlock()

	if e.present && e.w.Status != model.WorkerStatusDead && r.policy.IsLive(&e.w) {
		return model.WorkerHandle{}, false, scherr.New(scherr.CodeDuplicateWorker, "worker %s is already registered and alive", reg.WorkerID)
	}
	reconnected := e.present

	now := r.policy.Now()
	name := reg.Name
	if name == "" {
		name = reg.WorkerID
	}
	w := model.Worker{
		ID:           reg.WorkerID,
		Name:         name,
		GroupID:      reg.GroupID,
		Desc:         reg.Desc,
		Status:       model.WorkerStatusAlive,
		RefreshTime:  now,
		RegisteredAt: now,
	}
	if err := r.persist(ctx, &w); err != nil {
		return model.WorkerHandle{}, false, err
	}
	e.w = w
	e.present = true

	r.logger.WithWorkerID(w.ID).Info("worker registered",
		"group_id", w.GroupID, "reconnected", reconnected)
	return r.handle(&e.w), reconnected, nil
}

// Heartbeat 刷新 refresh_time 与遥测
//
// 从未注册、已被清理或已被宣告死亡的工作节点返回 UNKNOWN_WORKER，
// 工作节点需要重新注册。超时但尚未被扫描的工作节点可以通过心跳恢复。
func (r *Registry) Heartbeat(ctx context.Context, workerID string, metrics model.WorkerMetrics) (model.WorkerHandle, error) {
	e := r.lookup(workerID)
	if e == nil {
		err := unknownWorker(workerID)
		r.logger.HeartbeatLog(workerID, "unknown", 0, err)
		return model.WorkerHandle{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.present || e.w.Status == model.WorkerStatusDead {
		err := unknownWorker(workerID)
		r.logger.HeartbeatLog(workerID, string(e.w.Status), 0, err)
		return model.WorkerHandle{}, err
	}

	now := r.policy.Now()
	w := e.w
	w.WorkerMetrics = metrics
	w.RefreshTime = now
	if err := r.persist(ctx, &w); err != nil {
		r.logger.HeartbeatLog(workerID, string(w.Status), now.Sub(e.w.RefreshTime), err)
		return model.WorkerHandle{}, err
	}
	r.logger.HeartbeatLog(workerID, string(w.Status), now.Sub(e.w.RefreshTime), nil)
	e.w = w
	return r.handle(&e.w), nil
}

// Logout 立即标记工作节点死亡，已死亡时幂等返回
func (r *Registry) Logout(ctx context.Context, workerID string) error {
	_, err := r.markDead(ctx, workerID, true)
	return err
}

// MarkDead 仅当工作节点仍处于超时状态时标记死亡
//
// 返回 changed=true 表示本次调用完成了状态转换；
// 在扫描与加锁之间恢复了心跳的工作节点不会被误杀。
func (r *Registry) MarkDead(ctx context.Context, workerID string) (bool, error) {
	return r.markDead(ctx, workerID, false)
}

func (r *Registry) markDead(ctx context.Context, workerID string, force bool) (bool, error) {
	e := r.lookup(workerID)
	if e == nil {
		return false, unknownWorker(workerID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.present {
		return false, unknownWorker(workerID)
	}
	if e.w.Status == model.WorkerStatusDead {
		return false, nil
	}
	if !force && r.policy.IsLive(&e.w) {
		return false, nil
	}

	now := r.policy.Now()
	w := e.w
	w.Status = model.WorkerStatusDead
	w.DeadAt = &now
	w.RunningTasks = 0
	if err := r.persist(ctx, &w); err != nil {
		return false, err
	}
	e.w = w

	r.logger.WithWorkerID(workerID).Info("worker marked dead", "logout", force)
	return true, nil
}

// SetDraining 将工作节点标记为排空，返回实际发生变化的 ID
//
// 任一 ID 未注册时整体拒绝；已死亡或已排空的工作节点跳过。
func (r *Registry) SetDraining(ctx context.Context, workerIDs []string) ([]string, error) {
	entries := make([]*entry, 0, len(workerIDs))
	for _, id := range workerIDs {
		e := r.lookup(id)
		if e == nil {
			return nil, unknownWorker(id)
		}
		entries = append(entries, e)
	}

	var changed []string
	for i, e := range entries {
		ok, err := r.drainOne(ctx, e, workerIDs[i])
		if err != nil {
			return changed, err
		}
		if ok {
			changed = append(changed, workerIDs[i])
		}
	}
	return changed, nil
}

func (r *Registry) drainOne(ctx context.Context, e *entry, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.present {
		return false, unknownWorker(id)
	}
	if e.w.Status != model.WorkerStatusAlive {
		return false, nil
	}
	w := e.w
	w.Status = model.WorkerStatusDraining
	if err := r.persist(ctx, &w); err != nil {
		return false, err
	}
	e.w = w
	return true, nil
}

// ============================================================================
// 查询
// ============================================================================

// entries 当前所有 entry 的快照
func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e)
	}
	return out
}

// collect 遍历所有已注册工作节点，keep 在 entry 锁内调用
func (r *Registry) collect(keep func(w *model.Worker) bool) []model.WorkerHandle {
	var out []model.WorkerHandle
	for _, e := range r.entries() {
		e.mu.Lock()
		if e.present && keep(&e.w) {
			out = append(out, r.handle(&e.w))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAlive 存活工作节点快照，groupID 为空表示全部机群
func (r *Registry) ListAlive(groupID string) []model.WorkerHandle {
	return r.collect(func(w *model.Worker) bool {
		return r.policy.IsLive(w) && (groupID == "" || w.GroupID == groupID)
	})
}

// List 全部已注册工作节点（含死亡但尚未清理的）
func (r *Registry) List(groupID string) []model.WorkerHandle {
	return r.collect(func(w *model.Worker) bool {
		return groupID == "" || w.GroupID == groupID
	})
}

// ListExpired 已超时但尚未被宣告死亡的工作节点 ID
func (r *Registry) ListExpired() []string {
	handles := r.collect(r.policy.Expired)
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = h.ID
	}
	return ids
}

// Snapshot 单个工作节点快照
func (r *Registry) Snapshot(workerID string) (model.WorkerHandle, error) {
	e := r.lookup(workerID)
	if e == nil {
		return model.WorkerHandle{}, unknownWorker(workerID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.present {
		return model.WorkerHandle{}, unknownWorker(workerID)
	}
	return r.handle(&e.w), nil
}

// ============================================================================
// 清理 / 恢复
// ============================================================================

// Purge 删除死亡时间超过 retention 的工作节点，返回被删除的 ID
func (r *Registry) Purge(ctx context.Context, retention time.Duration) ([]string, error) {
	cutoff := r.policy.Now().Add(-retention)
	candidates := r.collect(func(w *model.Worker) bool {
		return w.Status == model.WorkerStatusDead && w.DeadAt != nil && w.DeadAt.Before(cutoff)
	})

	var purged []string
	for _, h := range candidates {
		ok, err := r.purgeOne(ctx, h.ID, cutoff)
		if err != nil {
			return purged, err
		}
		if ok {
			purged = append(purged, h.ID)
		}
	}
	return purged, nil
}

func (r *Registry) purgeOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// 扫描与加锁之间可能已重新注册
	if !e.present || e.w.Status != model.WorkerStatusDead || e.w.DeadAt == nil || !e.w.DeadAt.Before(cutoff) {
		return false, nil
	}
	if err := r.store.DeleteWorker(ctx, id); err != nil {
		return false, scherr.Persistence(err, "delete worker "+id)
	}
	delete(r.workers, id)
	return true, nil
}

// Restore 启动时从持久化层加载全部工作节点
//
// 停机期间超时的工作节点保持原状态，由心跳监视器的首次扫描处理。
func (r *Registry) Restore(ctx context.Context) (int, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return 0, scherr.Persistence(err, "list workers")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range workers {
		r.workers[w.ID] = &entry{present: true, w: *w}
	}
	return len(workers), nil
}

func unknownWorker(id string) error {
	return scherr.New(scherr.CodeUnknownWorker, "worker %s is not registered", id)
}
