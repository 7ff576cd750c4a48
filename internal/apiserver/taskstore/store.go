// Package taskstore 作业组、任务组与任务的内存权威存储
//
// Store 拥有所有 JobGroup/TaskGroup/Task，对外只返回拷贝。
//
// 锁粒度：
//   - 每个 JobGroup 一把互斥锁，覆盖该组的任务组、任务与计数，
//     状态转换与聚合计数更新在同一临界区内完成
//   - Store.mu（RWMutex）只保护索引：作业组有序表、任务→作业组、
//     持有者索引、存活作业组索引、提交序号
//   - 加锁顺序：作业组锁 → 索引锁；需要同时持有多个作业组锁时按 ID 升序加锁
//
// 写穿：每次转换先在副本上计算，经 storage.JobStore.CommitTaskChanges
// 单事务提交成功后才写回内存。持久化失败时整个操作被拒绝，内存不变。
package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
	"angel-master/internal/shared/storage"
	"angel-master/pkg/logging"
)

// DefaultMaxRetries 默认重新入队上限
const DefaultMaxRetries = 5

// Clock 时间源
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options Store 配置
type Options struct {
	// MaxRetries 因持有者死亡重新入队的次数上限，超过后任务失败。
	// nil 时为 DefaultMaxRetries，0 表示不重试
	MaxRetries *int
	Clock      Clock
	Logger     *logging.Logger

	// OnJobGroupDone 作业组最后一个非终态任务结束时调用一次，在作业组锁之外执行
	OnJobGroupDone func(jg model.JobGroup)
}

// Store 任务存储
type Store struct {
	mu        sync.RWMutex
	jobGroups map[string]*jobGroupState
	order     []*jobGroupState             // 按 firstSeq 升序，领取时按此顺序扫描
	taskIndex map[string]string            // taskID → jobGroupID
	owners    map[string]map[string]string // workerID → taskID → jobGroupID
	alive     map[string]struct{}
	seq       int64

	persist    storage.JobStore
	maxRetries int
	clock      Clock
	logger     *logging.Logger
	onDone     func(jg model.JobGroup)
}

// New 创建任务存储
func New(persist storage.JobStore, opts Options) *Store {
	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("taskstore")
	}
	return &Store{
		jobGroups:  make(map[string]*jobGroupState),
		taskIndex:  make(map[string]string),
		owners:     make(map[string]map[string]string),
		alive:      make(map[string]struct{}),
		persist:    persist,
		maxRetries: maxRetries,
		clock:      opts.Clock,
		logger:     opts.Logger,
		onDone:     opts.OnJobGroupDone,
	}
}

// RetryLimit 构造 Options.MaxRetries
func RetryLimit(n int) *int {
	return &n
}

// MaxRetries 当前重试上限
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

func (s *Store) commit(ctx context.Context, cs *storage.TaskChangeSet, op string) error {
	if cs.Empty() {
		return nil
	}
	if err := s.persist.CommitTaskChanges(ctx, cs); err != nil {
		return scherr.Persistence(err, op)
	}
	return nil
}

// ============================================================================
// 索引维护（调用方持有 s.mu 写锁）
// ============================================================================

func (s *Store) insertOrdered(st *jobGroupState) {
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i].firstSeq > st.firstSeq })
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = st
}

func (s *Store) removeOrdered(st *jobGroupState) {
	for i, o := range s.order {
		if o == st {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// reindex 根据转换前后状态更新持有者索引与存活作业组索引
func (s *Store) reindex(jg *model.JobGroup, trs []transition) {
	for _, tr := range trs {
		b, a := tr.before, tr.after
		if b.State.IsHeld() && (!a.State.IsHeld() || a.AssignedWorkerID != b.AssignedWorkerID) {
			if held := s.owners[b.AssignedWorkerID]; held != nil {
				delete(held, b.ID)
				if len(held) == 0 {
					delete(s.owners, b.AssignedWorkerID)
				}
			}
		}
		if a.State.IsHeld() {
			held := s.owners[a.AssignedWorkerID]
			if held == nil {
				held = make(map[string]string)
				s.owners[a.AssignedWorkerID] = held
			}
			held[a.ID] = a.JobGroupID
		}
	}
	if jg.IsAlive() {
		s.alive[jg.ID] = struct{}{}
	} else {
		delete(s.alive, jg.ID)
	}
}

// applyChange 写回副本并更新索引；调用方持有作业组锁
//
// 本次变更使作业组结束时返回其快照，否则返回 nil。
func (s *Store) applyChange(c *change) *model.JobGroup {
	finished := c.state.jg.IsAlive() && !c.jg.IsAlive()
	c.apply()
	s.mu.Lock()
	s.reindex(c.jg, c.tasks)
	s.mu.Unlock()
	if !finished {
		return nil
	}
	jg := cloneJobGroup(c.jg)
	return &jg
}

// notifyDone 调用方不得持有任何锁
func (s *Store) notifyDone(groups ...*model.JobGroup) {
	for _, jg := range groups {
		if jg == nil {
			continue
		}
		s.logger.TaskLog("completed", jg.ID, "", "done", jg.DoneCount, "failed", jg.FailedCount)
		if s.onDone != nil {
			s.onDone(*jg)
		}
	}
}

func (s *Store) lookupTask(taskID string) (*jobGroupState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jgID, ok := s.taskIndex[taskID]
	if !ok {
		return nil, false
	}
	st, ok := s.jobGroups[jgID]
	return st, ok
}

func (s *Store) lookupJobGroup(id string) (*jobGroupState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobGroups[id]
	return st, ok
}

// ============================================================================
// 提交
// ============================================================================

func validateSpec(spec *model.JobGroupSpec) error {
	if spec == nil || len(spec.TaskGroups) == 0 {
		return scherr.New(scherr.CodeInvalidSpec, "job group has no task groups")
	}
	for i, tg := range spec.TaskGroups {
		if tg.GroupID == "" {
			return scherr.New(scherr.CodeInvalidSpec, "task_groups[%d]: group_id is required (use %q for any group)", i, model.AnyGroup)
		}
		if len(tg.Tasks) == 0 {
			return scherr.New(scherr.CodeInvalidSpec, "task_groups[%d]: no tasks", i)
		}
	}
	return nil
}

// SubmitJobGroup 创建作业组及其全部任务组与任务，单次提交
//
// 所有任务初始为 pending，ID 按全局提交序号分配，同一任务组内 ID 有序即 FIFO。
func (s *Store) SubmitJobGroup(ctx context.Context, spec *model.JobGroupSpec) (*model.JobGroup, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	n := int64(spec.TaskCount())
	s.mu.Lock()
	first := s.seq + 1
	s.seq += n
	s.mu.Unlock()

	now := s.clock.Now()
	jg := &model.JobGroup{
		ID:        "jg-" + uuid.NewString(),
		Name:      spec.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st := newJobGroupState(jg)
	st.firstSeq = first
	cs := &storage.TaskChangeSet{JobGroups: []*model.JobGroup{jg}}

	seq := first
	for _, tgSpec := range spec.TaskGroups {
		tg := &model.TaskGroup{
			ID:         "tg-" + uuid.NewString(),
			JobGroupID: jg.ID,
			GroupID:    tgSpec.GroupID,
			Name:       tgSpec.Name,
			State:      model.TaskGroupStateActive,
			CreatedAt:  now,
		}
		for _, ts := range tgSpec.Tasks {
			t := &model.Task{
				ID:          model.TaskID(seq),
				Seq:         seq,
				TaskGroupID: tg.ID,
				JobGroupID:  jg.ID,
				GroupID:     tg.GroupID,
				Name:        ts.Name,
				Payload:     ts.Payload,
				State:       model.TaskStatePending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			seq++
			tg.Add(model.TaskStatePending)
			jg.Add(model.TaskStatePending)
			st.tasks[t.ID] = t
			st.pending[tg.ID] = append(st.pending[tg.ID], t.ID)
			cs.Tasks = append(cs.Tasks, t)
		}
		jg.TaskGroupIDs = append(jg.TaskGroupIDs, tg.ID)
		st.taskGroups[tg.ID] = tg
		st.tgOrder = append(st.tgOrder, tg.ID)
		cs.TaskGroups = append(cs.TaskGroups, tg)
	}

	if err := s.persist.CreateJobGroup(ctx, cs); err != nil {
		return nil, scherr.Persistence(err, "create job group "+jg.ID)
	}

	s.mu.Lock()
	s.jobGroups[jg.ID] = st
	s.insertOrdered(st)
	for id := range st.tasks {
		s.taskIndex[id] = jg.ID
	}
	s.alive[jg.ID] = struct{}{}
	s.mu.Unlock()

	s.logger.TaskLog("submitted", jg.ID, "", "task_groups", len(jg.TaskGroupIDs), "tasks", n)
	out := cloneJobGroup(jg)
	return &out, nil
}

// ============================================================================
// 恢复
// ============================================================================

// Restore 从持久化快照重建队列、持有者索引、计数与提交序号
//
// 快照中残留的 orphaned 任务按 pending 处理。
func (s *Store) Restore(ctx context.Context) (int, error) {
	snap, err := s.persist.LoadJobs(ctx)
	if err != nil {
		return 0, scherr.Persistence(err, "load jobs")
	}

	states := make(map[string]*jobGroupState, len(snap.JobGroups))
	for _, jg := range snap.JobGroups {
		jg.TaskCounters = model.TaskCounters{}
		st := newJobGroupState(jg)
		st.firstSeq = -1
		states[jg.ID] = st
	}
	for _, tg := range snap.TaskGroups {
		st, ok := states[tg.JobGroupID]
		if !ok {
			return 0, fmt.Errorf("restore: task group %s references missing job group %s", tg.ID, tg.JobGroupID)
		}
		tg.TaskCounters = model.TaskCounters{}
		st.taskGroups[tg.ID] = tg
	}

	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Seq < snap.Tasks[j].Seq })
	tgFirst := make(map[string]int64)
	var maxSeq int64
	for _, t := range snap.Tasks {
		st, ok := states[t.JobGroupID]
		if !ok {
			return 0, fmt.Errorf("restore: task %s references missing job group %s", t.ID, t.JobGroupID)
		}
		tg, ok := st.taskGroups[t.TaskGroupID]
		if !ok {
			return 0, fmt.Errorf("restore: task %s references missing task group %s", t.ID, t.TaskGroupID)
		}
		if t.State == model.TaskStateOrphaned {
			t.State = model.TaskStatePending
		}
		st.tasks[t.ID] = t
		tg.Add(t.State)
		st.jg.Add(t.State)
		if t.State == model.TaskStatePending {
			st.pending[tg.ID] = append(st.pending[tg.ID], t.ID)
		}
		if _, seen := tgFirst[tg.ID]; !seen {
			tgFirst[tg.ID] = t.Seq
		}
		if st.firstSeq < 0 {
			st.firstSeq = t.Seq
		}
		if t.Seq > maxSeq {
			maxSeq = t.Seq
		}
	}

	for _, st := range states {
		st.tgOrder = st.tgOrder[:0]
		for id := range st.taskGroups {
			st.tgOrder = append(st.tgOrder, id)
		}
		sort.Slice(st.tgOrder, func(i, j int) bool {
			return tgFirst[st.tgOrder[i]] < tgFirst[st.tgOrder[j]]
		})
		st.jg.TaskGroupIDs = append([]string(nil), st.tgOrder...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range states {
		s.jobGroups[id] = st
		s.insertOrdered(st)
		var trs []transition
		for tid, t := range st.tasks {
			s.taskIndex[tid] = id
			if t.State.IsHeld() {
				trs = append(trs, transition{before: &model.Task{}, after: t})
			}
		}
		s.reindex(st.jg, trs)
	}
	if maxSeq > s.seq {
		s.seq = maxSeq
	}
	return len(states), nil
}

// ============================================================================
// 拷贝
// ============================================================================

func cloneJobGroup(jg *model.JobGroup) model.JobGroup {
	out := *jg
	out.TaskGroupIDs = append([]string(nil), jg.TaskGroupIDs...)
	return out
}
