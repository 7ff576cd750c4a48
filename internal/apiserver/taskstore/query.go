package taskstore

import (
	"sort"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
)

// JobGroupDetail 作业组及其任务组快照
type JobGroupDetail struct {
	model.JobGroup
	TaskGroups []model.TaskGroup `json:"task_groups"`
}

// collectTasks 遍历存活作业组，keep 在作业组锁内调用
func (s *Store) collectTasks(keep func(t *model.Task) bool) []model.Task {
	var out []model.Task
	for _, st := range s.aliveStates() {
		st.mu.Lock()
		if !st.deleted {
			for _, t := range st.tasks {
				if keep(t) {
					out = append(out, *t)
				}
			}
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// PendingTasks 全部 pending 任务，按 seq 升序
func (s *Store) PendingTasks() []model.Task {
	return s.collectTasks(func(t *model.Task) bool { return t.State == model.TaskStatePending })
}

// AliveTasks 全部 assigned/running 任务
func (s *Store) AliveTasks() []model.Task {
	return s.collectTasks(func(t *model.Task) bool { return t.State.IsHeld() })
}

// AliveJobGroups 存活作业组，只遍历存活索引
func (s *Store) AliveJobGroups() []model.JobGroup {
	states := s.aliveStates()
	out := make([]model.JobGroup, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if !st.deleted {
			out = append(out, cloneJobGroup(st.jg))
		}
		st.mu.Unlock()
	}
	return out
}

// AliveTaskGroups 存活作业组中仍为 active 的任务组
func (s *Store) AliveTaskGroups() []model.TaskGroup {
	var out []model.TaskGroup
	for _, st := range s.aliveStates() {
		st.mu.Lock()
		if !st.deleted {
			for _, id := range st.tgOrder {
				if tg := st.taskGroups[id]; tg.State == model.TaskGroupStateActive {
					out = append(out, *tg)
				}
			}
		}
		st.mu.Unlock()
	}
	return out
}

// GetJobGroup 作业组详情
func (s *Store) GetJobGroup(id string) (*JobGroupDetail, error) {
	st, ok := s.lookupJobGroup(id)
	if !ok {
		return nil, scherr.New(scherr.CodeNotFound, "job group %s not found", id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return nil, scherr.New(scherr.CodeNotFound, "job group %s not found", id)
	}
	d := &JobGroupDetail{JobGroup: cloneJobGroup(st.jg)}
	for _, tgID := range st.tgOrder {
		d.TaskGroups = append(d.TaskGroups, *st.taskGroups[tgID])
	}
	return d, nil
}

// GetTask 单个任务
func (s *Store) GetTask(id string) (*model.Task, error) {
	st, ok := s.lookupTask(id)
	if !ok {
		return nil, scherr.New(scherr.CodeNotFound, "task %s not found", id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	t, ok := st.tasks[id]
	if st.deleted || !ok {
		return nil, scherr.New(scherr.CodeNotFound, "task %s not found", id)
	}
	out := *t
	return &out, nil
}

// TasksHeldBy workerID 当前持有的任务，按 seq 排序
func (s *Store) TasksHeldBy(workerID string) []model.Task {
	s.mu.RLock()
	ids := make([]string, 0, len(s.owners[workerID]))
	for id := range s.owners[workerID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(id)
		if err != nil || !t.IsHeldBy(workerID) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// HeldCount workerID 当前持有的任务数
func (s *Store) HeldCount(workerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owners[workerID])
}

// JobGroupAlive 作业组是否仍有非终态任务
func (s *Store) JobGroupAlive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.alive[id]
	return ok
}

// Holders 当前持有任务的工作节点 ID
func (s *Store) Holders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.owners))
	for id := range s.owners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TasksOf 作业组的全部任务，按 seq 升序
func (s *Store) TasksOf(jobGroupID string) ([]model.Task, error) {
	st, ok := s.lookupJobGroup(jobGroupID)
	if !ok {
		return nil, scherr.New(scherr.CodeNotFound, "job group %s not found", jobGroupID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return nil, scherr.New(scherr.CodeNotFound, "job group %s not found", jobGroupID)
	}
	out := make([]model.Task, 0, len(st.tasks))
	for _, t := range st.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
