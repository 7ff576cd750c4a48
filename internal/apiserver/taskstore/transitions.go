package taskstore

import (
	"context"
	"sort"
	"time"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
	"angel-master/internal/shared/storage"
)

// ============================================================================
// 领取
// ============================================================================

// aliveStates 存活作业组快照，按 firstSeq 升序即领取扫描顺序
func (s *Store) aliveStates() []*jobGroupState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*jobGroupState, 0, len(s.alive))
	for _, st := range s.order {
		if _, ok := s.alive[st.id]; ok {
			out = append(out, st)
		}
	}
	return out
}

// ClaimNext 原子地将一个可领取的 pending 任务分配给 workerID
//
// 任务组按创建先后扫描，组内取 seq 最小者。没有可领取任务时返回 (nil, nil)。
// 同一作业组内的领取由作业组锁串行化，同一任务不会被分配两次。
func (s *Store) ClaimNext(ctx context.Context, workerID string, affinity *string) (*model.Task, error) {
	for _, st := range s.aliveStates() {
		t, err := s.claimFrom(ctx, st, workerID, affinity)
		if err != nil || t != nil {
			return t, err
		}
	}
	return nil, nil
}

func (s *Store) claimFrom(ctx context.Context, st *jobGroupState, workerID string, affinity *string) (*model.Task, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return nil, nil
	}

	for _, tgID := range st.tgOrder {
		q := st.pending[tgID]
		if len(q) == 0 {
			continue
		}
		head := st.tasks[q[0]]
		if !head.Eligible(affinity) {
			continue
		}

		c := newChange(st, s.clock.Now())
		t := c.task(head.ID)
		now := c.now
		t.AssignedWorkerID = workerID
		t.AssignedTime = &now
		t.StartedTime = nil
		c.move(t, model.TaskStateAssigned)

		if err := s.commit(ctx, c.finish(), "claim "+t.ID); err != nil {
			return nil, err
		}
		s.applyChange(c)
		out := *t
		return &out, nil
	}
	return nil, nil
}

// ============================================================================
// 回报
// ============================================================================

// Report 持有者回报任务状态
//
// 检查顺序：任务不存在 → NOT_FOUND；回报者不是持有者（含已由其他节点完成的任务）
// → OWNERSHIP_MISMATCH；持有者重复回报终态 → INVALID_TRANSITION（计数不会重复累加）；
// 其余非法转换 → INVALID_TRANSITION。
func (s *Store) Report(ctx context.Context, taskID, workerID string, newState model.TaskState, exitState *int, doneTime *time.Time) (*model.Task, error) {
	t, finished, err := s.report(ctx, taskID, workerID, newState, exitState, doneTime)
	if err != nil {
		return nil, err
	}
	s.notifyDone(finished)
	return t, nil
}

func (s *Store) report(ctx context.Context, taskID, workerID string, newState model.TaskState, exitState *int, doneTime *time.Time) (*model.Task, *model.JobGroup, error) {
	st, ok := s.lookupTask(taskID)
	if !ok {
		return nil, nil, scherr.New(scherr.CodeNotFound, "task %s not found", taskID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.tasks[taskID]
	if st.deleted || !ok {
		return nil, nil, scherr.New(scherr.CodeNotFound, "task %s not found", taskID)
	}
	if cur.State.IsTerminal() {
		if cur.AssignedWorkerID != workerID {
			return nil, nil, scherr.New(scherr.CodeOwnershipMismatch, "task %s is not held by %s", taskID, workerID)
		}
		return nil, nil, scherr.New(scherr.CodeInvalidTransition, "task %s is already %s", taskID, cur.State)
	}
	if !cur.IsHeldBy(workerID) {
		return nil, nil, scherr.New(scherr.CodeOwnershipMismatch, "task %s is not held by %s", taskID, workerID)
	}
	if !model.CanReport(cur.State, newState) {
		return nil, nil, scherr.New(scherr.CodeInvalidTransition, "task %s: %s -> %s", taskID, cur.State, newState)
	}

	c := newChange(st, s.clock.Now())
	t := c.task(taskID)
	switch newState {
	case model.TaskStateRunning:
		now := c.now
		t.StartedTime = &now
	case model.TaskStateDone, model.TaskStateFailed:
		done := c.now
		if doneTime != nil && !doneTime.IsZero() {
			done = *doneTime
		}
		t.DoneTime = &done
		if exitState != nil {
			v := *exitState
			t.ExitState = &v
		}
		if newState == model.TaskStateFailed {
			t.FailReason = model.FailReasonReported
		}
	}
	c.move(t, newState)

	if err := s.commit(ctx, c.finish(), "report "+taskID); err != nil {
		return nil, nil, err
	}
	finished := s.applyChange(c)

	if newState.IsTerminal() {
		s.logger.TaskLog(string(newState), t.JobGroupID, t.ID, "worker_id", workerID)
	}
	out := *t
	return &out, finished, nil
}

// ============================================================================
// 重新入队
// ============================================================================

// lockJobGroups 按 ID 升序锁住多个作业组
func lockJobGroups(states []*jobGroupState) func() {
	sort.Slice(states, func(i, j int) bool { return states[i].id < states[j].id })
	for _, st := range states {
		st.mu.Lock()
	}
	return func() {
		for i := len(states) - 1; i >= 0; i-- {
			states[i].mu.Unlock()
		}
	}
}

// RequeueOrphans 将 deadWorkerID 持有的全部 assigned/running 任务经 orphaned 放回 pending
//
// 每个任务 RetryCount 恰好加一；超过上限的任务以 retry_exhausted 失败。
// 所有受影响作业组在同一次提交中完成。返回被处理任务的拷贝，
// 调用方通过 State 区分重新入队与重试耗尽。
func (s *Store) RequeueOrphans(ctx context.Context, deadWorkerID string) ([]model.Task, error) {
	out, finished, err := s.requeueOrphans(ctx, deadWorkerID)
	if err != nil {
		return nil, err
	}
	s.notifyDone(finished...)
	return out, nil
}

func (s *Store) requeueOrphans(ctx context.Context, deadWorkerID string) ([]model.Task, []*model.JobGroup, error) {
	s.mu.RLock()
	var states []*jobGroupState
	seen := make(map[string]bool)
	for _, jgID := range s.owners[deadWorkerID] {
		if seen[jgID] {
			continue
		}
		seen[jgID] = true
		if st, ok := s.jobGroups[jgID]; ok {
			states = append(states, st)
		}
	}
	s.mu.RUnlock()
	if len(states) == 0 {
		return nil, nil, nil
	}

	unlock := lockJobGroups(states)
	defer unlock()

	now := s.clock.Now()
	cs := &storage.TaskChangeSet{}
	var changes []*change
	var out []model.Task
	for _, st := range states {
		if st.deleted {
			continue
		}
		ids := make([]string, 0)
		for id, t := range st.tasks {
			if t.IsHeldBy(deadWorkerID) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)

		c := newChange(st, now)
		for _, id := range ids {
			t := c.task(id)
			c.move(t, model.TaskStateOrphaned)
			t.RetryCount++
			t.AssignedWorkerID = ""
			t.AssignedTime = nil
			t.StartedTime = nil
			if t.RetryCount > s.maxRetries {
				done := now
				t.DoneTime = &done
				t.FailReason = model.FailReasonRetryExhausted
				c.move(t, model.TaskStateFailed)
			} else {
				c.move(t, model.TaskStatePending)
			}
			out = append(out, *t)
		}
		part := c.finish()
		cs.JobGroups = append(cs.JobGroups, part.JobGroups...)
		cs.TaskGroups = append(cs.TaskGroups, part.TaskGroups...)
		cs.Tasks = append(cs.Tasks, part.Tasks...)
		changes = append(changes, c)
	}

	if err := s.commit(ctx, cs, "requeue orphans of "+deadWorkerID); err != nil {
		return nil, nil, err
	}
	var finished []*model.JobGroup
	for _, c := range changes {
		if jg := s.applyChange(c); jg != nil {
			finished = append(finished, jg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > 0 {
		s.logger.Info("orphans requeued", "worker_id", deadWorkerID, "tasks", len(out))
	}
	return out, finished, nil
}

// ============================================================================
// 删除
// ============================================================================

// DeleteJobGroup 删除作业组
//
// 存在活跃任务组且 cascade=false 时返回 JOB_GROUP_ACTIVE；
// cascade=true 时先在一次提交中将全部非终态任务置为 failed(cancelled)，
// 触发作业组结束回调（归档日志）后再删除。
// 被取消任务的持有者通过心跳指令得知。
func (s *Store) DeleteJobGroup(ctx context.Context, id string, cascade bool) error {
	st, ok := s.lookupJobGroup(id)
	if !ok {
		return scherr.New(scherr.CodeNotFound, "job group %s not found", id)
	}
	if cascade {
		finished, err := s.cancelJobGroup(ctx, st)
		if err != nil {
			return err
		}
		s.notifyDone(finished)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return scherr.New(scherr.CodeNotFound, "job group %s not found", id)
	}
	if st.jg.IsAlive() {
		return scherr.New(scherr.CodeJobGroupActive, "job group %s has active task groups", id)
	}

	if err := s.persist.DeleteJobGroup(ctx, id); err != nil && !storage.IsNotFound(err) {
		return scherr.Persistence(err, "delete job group "+id)
	}

	st.deleted = true
	s.mu.Lock()
	delete(s.jobGroups, id)
	delete(s.alive, id)
	s.removeOrdered(st)
	for tid := range st.tasks {
		delete(s.taskIndex, tid)
	}
	s.mu.Unlock()

	s.logger.TaskLog("deleted", id, "", "cascade", cascade)
	return nil
}

// cancelJobGroup 在一次提交中将全部非终态任务置为 failed(cancelled)，返回刚结束的作业组
func (s *Store) cancelJobGroup(ctx context.Context, st *jobGroupState) (*model.JobGroup, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return nil, scherr.New(scherr.CodeNotFound, "job group %s not found", st.id)
	}
	if !st.jg.IsAlive() {
		return nil, nil
	}

	c := newChange(st, s.clock.Now())
	ids := make([]string, 0, len(st.tasks))
	for tid, t := range st.tasks {
		if !t.State.IsTerminal() {
			ids = append(ids, tid)
		}
	}
	sort.Strings(ids)
	for _, tid := range ids {
		t := c.task(tid)
		done := c.now
		t.DoneTime = &done
		t.FailReason = model.FailReasonCancelled
		c.move(t, model.TaskStateFailed)
	}
	if err := s.commit(ctx, c.finish(), "cancel job group "+st.id); err != nil {
		return nil, err
	}
	return s.applyChange(c), nil
}
