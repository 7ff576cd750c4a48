package taskstore

import (
	"sort"
	"sync"
	"time"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/storage"
)

// jobGroupState 单个作业组的内存状态，由 mu 保护
type jobGroupState struct {
	mu sync.Mutex

	id         string
	firstSeq   int64
	jg         *model.JobGroup
	taskGroups map[string]*model.TaskGroup
	tgOrder    []string // 按最小 seq 排序
	tasks      map[string]*model.Task
	pending    map[string][]string // TaskGroupID → pending 任务 ID，按 seq 升序
	deleted    bool
}

func newJobGroupState(jg *model.JobGroup) *jobGroupState {
	return &jobGroupState{
		id:         jg.ID,
		jg:         jg,
		taskGroups: make(map[string]*model.TaskGroup),
		tasks:      make(map[string]*model.Task),
		pending:    make(map[string][]string),
	}
}

// enqueue 按 ID（即 seq）有序插入
func (s *jobGroupState) enqueue(t *model.Task) {
	q := s.pending[t.TaskGroupID]
	i := sort.SearchStrings(q, t.ID)
	if i < len(q) && q[i] == t.ID {
		return
	}
	q = append(q, "")
	copy(q[i+1:], q[i:])
	q[i] = t.ID
	s.pending[t.TaskGroupID] = q
}

func (s *jobGroupState) dequeue(t *model.Task) {
	q := s.pending[t.TaskGroupID]
	i := sort.SearchStrings(q, t.ID)
	if i < len(q) && q[i] == t.ID {
		s.pending[t.TaskGroupID] = append(q[:i], q[i+1:]...)
	}
}

// ============================================================================
// change - 一次状态转换的写时复制集合
// ============================================================================

// transition 单个任务的前后状态
type transition struct {
	before *model.Task
	after  *model.Task
}

// change 在副本上计算状态转换；commit 成功后 apply 才写回内存
type change struct {
	state *jobGroupState
	now   time.Time

	jg     *model.JobGroup
	tgs    map[string]*model.TaskGroup
	tasks  []transition
	byTask map[string]int
}

func newChange(state *jobGroupState, now time.Time) *change {
	jg := *state.jg
	jg.TaskGroupIDs = append([]string(nil), state.jg.TaskGroupIDs...)
	return &change{
		state:  state,
		now:    now,
		jg:     &jg,
		tgs:    make(map[string]*model.TaskGroup),
		byTask: make(map[string]int),
	}
}

func (c *change) taskGroup(id string) *model.TaskGroup {
	if tg, ok := c.tgs[id]; ok {
		return tg
	}
	cp := *c.state.taskGroups[id]
	c.tgs[id] = &cp
	return &cp
}

// task 返回任务副本，同一任务在一次变更中只复制一次
func (c *change) task(id string) *model.Task {
	if i, ok := c.byTask[id]; ok {
		return c.tasks[i].after
	}
	before := c.state.tasks[id]
	cp := *before
	c.byTask[id] = len(c.tasks)
	c.tasks = append(c.tasks, transition{before: before, after: &cp})
	return &cp
}

// move 修改任务副本状态并同步计数
func (c *change) move(t *model.Task, to model.TaskState) {
	from := t.State
	t.State = to
	t.UpdatedAt = c.now
	tg := c.taskGroup(t.TaskGroupID)
	tg.Move(from, to)
	c.jg.Move(from, to)
	if to.IsTerminal() {
		tg.RuntimeMs += t.Runtime().Milliseconds()
	}
}

// finish 刷新聚合状态并生成持久化变更集
func (c *change) finish() *storage.TaskChangeSet {
	cs := &storage.TaskChangeSet{}
	ids := make([]string, 0, len(c.tgs))
	for id := range c.tgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tg := c.tgs[id]
		tg.Refresh(c.now)
		cs.TaskGroups = append(cs.TaskGroups, tg)
	}
	c.jg.Refresh(c.now)
	cs.JobGroups = append(cs.JobGroups, c.jg)
	for _, tr := range c.tasks {
		cs.Tasks = append(cs.Tasks, tr.after)
	}
	return cs
}

// apply 将副本写回作业组状态并维护 pending 队列
func (c *change) apply() {
	s := c.state
	s.jg = c.jg
	for id, tg := range c.tgs {
		s.taskGroups[id] = tg
	}
	for _, tr := range c.tasks {
		s.tasks[tr.after.ID] = tr.after
		wasPending := tr.before.State == model.TaskStatePending
		isPending := tr.after.State == model.TaskStatePending
		switch {
		case wasPending && !isPending:
			s.dequeue(tr.before)
		case !wasPending && isPending:
			s.enqueue(tr.after)
		}
	}
}
