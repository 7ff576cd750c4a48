package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
	"angel-master/internal/shared/storage"
	sqlitedriver "angel-master/internal/shared/storage/driver/sqlite"
	"angel-master/internal/shared/storage/repository"
	"angel-master/pkg/logging"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore 可按需让提交失败的 JobStore
type flakyStore struct {
	*storage.NoOpStore
	mu      sync.Mutex
	fail    bool
	commits int
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyStore) CommitTaskChanges(ctx context.Context, cs *storage.TaskChangeSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection reset")
	}
	f.commits++
	return nil
}

func newTestStore(t *testing.T, maxRetries int) (*Store, *flakyStore, *fixedClock) {
	t.Helper()
	persist := &flakyStore{NoOpStore: storage.NewNoOpStore()}
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(persist, Options{MaxRetries: RetryLimit(maxRetries), Clock: clock, Logger: logging.Nop()})
	return s, persist, clock
}

func spec(groups map[string]int, order ...string) *model.JobGroupSpec {
	sp := &model.JobGroupSpec{Name: "test"}
	for _, g := range order {
		tg := model.TaskGroupSpec{Name: "tg-" + g, GroupID: g}
		for i := 0; i < groups[g]; i++ {
			tg.Tasks = append(tg.Tasks, model.TaskSpec{
				Name:    fmt.Sprintf("%s-%d", g, i),
				Payload: json.RawMessage(fmt.Sprintf(`{"cmd":"echo %d"}`, i)),
			})
		}
		sp.TaskGroups = append(sp.TaskGroups, tg)
	}
	return sp
}

func strPtr(s string) *string { return &s }

func intPtr(v int) *int { return &v }

// ============================================================================
// 提交
// ============================================================================

func TestSubmitJobGroupValidation(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()

	tests := []struct {
		name string
		spec *model.JobGroupSpec
	}{
		{"nil", nil},
		{"no task groups", &model.JobGroupSpec{}},
		{"empty group id", &model.JobGroupSpec{TaskGroups: []model.TaskGroupSpec{{Tasks: []model.TaskSpec{{}}}}}},
		{"no tasks", &model.JobGroupSpec{TaskGroups: []model.TaskGroupSpec{{GroupID: "gpu"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SubmitJobGroup(ctx, tt.spec)
			assert.ErrorIs(t, err, scherr.ErrInvalidSpec)
		})
	}
	assert.Empty(t, s.AliveJobGroups())
}

func TestSubmitJobGroup(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	jg, err := s.SubmitJobGroup(context.Background(), spec(map[string]int{"gpu": 3, "*": 2}, "gpu", "*"))
	require.NoError(t, err)

	assert.Equal(t, 5, jg.PendingCount)
	assert.Equal(t, 5, jg.TotalCount)
	assert.Len(t, jg.TaskGroupIDs, 2)

	pending := s.PendingTasks()
	require.Len(t, pending, 5)
	for i := 1; i < len(pending); i++ {
		assert.Less(t, pending[i-1].ID, pending[i].ID)
	}
	assert.Equal(t, "gpu", pending[0].GroupID)
	assert.Equal(t, model.AnyGroup, pending[4].GroupID)

	detail, err := s.GetJobGroup(jg.ID)
	require.NoError(t, err)
	require.Len(t, detail.TaskGroups, 2)
	assert.Equal(t, 3, detail.TaskGroups[0].PendingCount)
	assert.Equal(t, model.TaskGroupStateActive, detail.TaskGroups[0].State)
}

// ============================================================================
// 领取
// ============================================================================

func TestClaimNextFIFOAndAffinity(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()
	_, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2, "cpu": 2}, "gpu", "cpu"))
	require.NoError(t, err)

	t1, err := s.ClaimNext(ctx, "w-cpu", strPtr("cpu"))
	require.NoError(t, err)
	require.NotNil(t, t1)
	assert.Equal(t, "cpu", t1.GroupID)
	assert.Equal(t, model.TaskStateAssigned, t1.State)
	assert.Equal(t, "w-cpu", t1.AssignedWorkerID)
	assert.NotNil(t, t1.AssignedTime)

	t2, err := s.ClaimNext(ctx, "w-any", nil)
	require.NoError(t, err)
	require.NotNil(t, t2)
	assert.Equal(t, "gpu", t2.GroupID, "oldest task group first")

	t3, err := s.ClaimNext(ctx, "w-gpu", strPtr("gpu"))
	require.NoError(t, err)
	require.NotNil(t, t3)
	assert.Less(t, t2.ID, t3.ID, "FIFO within task group")

	none, err := s.ClaimNext(ctx, "w-gpu", strPtr("gpu"))
	require.NoError(t, err)
	assert.Nil(t, none)

	none, err = s.ClaimNext(ctx, "w-arm", strPtr("arm"))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimNextAnyGroupMatchesEveryAffinity(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()
	_, err := s.SubmitJobGroup(ctx, spec(map[string]int{"*": 1}, "*"))
	require.NoError(t, err)

	task, err := s.ClaimNext(ctx, "w1", strPtr("arm"))
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestClaimExclusivityUnderConcurrency(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()
	const tasks = 200
	for i := 0; i < 4; i++ {
		_, err := s.SubmitJobGroup(ctx, spec(map[string]int{"*": tasks / 4}, "*"))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				task, err := s.ClaimNext(ctx, workerID, nil)
				if !assert.NoError(t, err) || task == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[task.ID]
				claimed[task.ID] = workerID
				mu.Unlock()
				assert.False(t, dup, "task %s claimed by %s and %s", task.ID, prev, workerID)
			}
		}(fmt.Sprintf("w%02d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, tasks)
	assert.Empty(t, s.PendingTasks())
	assert.Len(t, s.AliveTasks(), tasks)

	total := 0
	for w := 0; w < 16; w++ {
		total += s.HeldCount(fmt.Sprintf("w%02d", w))
	}
	assert.Equal(t, tasks, total)
}

// ============================================================================
// 回报
// ============================================================================

func TestReportLifecycleAndCounters(t *testing.T) {
	s, _, clock := newTestStore(t, 5)
	ctx := context.Background()
	jg, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2}, "gpu"))
	require.NoError(t, err)

	a, err := s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)
	b, err := s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)

	_, err = s.Report(ctx, a.ID, "w1", model.TaskStateRunning, nil, nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	done, err := s.Report(ctx, a.ID, "w1", model.TaskStateDone, intPtr(0), nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateDone, done.State)
	require.NotNil(t, done.ExitState)
	assert.Equal(t, 0, *done.ExitState)
	assert.True(t, s.JobGroupAlive(jg.ID))

	failed, err := s.Report(ctx, b.ID, "w1", model.TaskStateFailed, intPtr(2), nil)
	require.NoError(t, err)
	assert.Equal(t, model.FailReasonReported, failed.FailReason)

	detail, err := s.GetJobGroup(jg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.DoneCount)
	assert.Equal(t, 1, detail.FailedCount)
	assert.Zero(t, detail.RunningCount)
	assert.NotNil(t, detail.DoneTime)
	assert.Equal(t, model.TaskGroupStatePartiallyFailed, detail.TaskGroups[0].State)
	assert.Equal(t, int64(4000), detail.TaskGroups[0].RuntimeMs)

	assert.False(t, s.JobGroupAlive(jg.ID))
	assert.Empty(t, s.AliveJobGroups())
	assert.Zero(t, s.HeldCount("w1"))
}

func TestRetryLimitDefaults(t *testing.T) {
	persist := storage.NewNoOpStore()
	assert.Equal(t, DefaultMaxRetries, New(persist, Options{Logger: logging.Nop()}).MaxRetries())
	assert.Equal(t, DefaultMaxRetries, New(persist, Options{MaxRetries: RetryLimit(-1), Logger: logging.Nop()}).MaxRetries())
	assert.Equal(t, 0, New(persist, Options{MaxRetries: RetryLimit(0), Logger: logging.Nop()}).MaxRetries())

	// 零值 Options 下第一次持有者死亡只会重新入队
	s := New(persist, Options{Logger: logging.Nop()})
	ctx := context.Background()
	_, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 1}, "gpu"))
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)
	_, err = s.RequeueOrphans(ctx, "w1")
	require.NoError(t, err)
	pending := s.PendingTasks()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestReportIdempotentAndOrdered(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()
	jg, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2}, "gpu"))
	require.NoError(t, err)
	task, err := s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)

	_, err = s.Report(ctx, "task-999999999999", "w1", model.TaskStateDone, nil, nil)
	assert.ErrorIs(t, err, scherr.ErrNotFound)

	_, err = s.Report(ctx, task.ID, "w2", model.TaskStateDone, nil, nil)
	assert.ErrorIs(t, err, scherr.ErrOwnershipMismatch)

	_, err = s.Report(ctx, task.ID, "w1", model.TaskStatePending, nil, nil)
	assert.ErrorIs(t, err, scherr.ErrInvalidTransition)

	_, err = s.Report(ctx, task.ID, "w1", model.TaskStateDone, intPtr(0), nil)
	require.NoError(t, err)

	// 持有者重复回调为非法转换，其他节点回报已结束的任务为所有权不符
	_, err = s.Report(ctx, task.ID, "w1", model.TaskStateDone, intPtr(0), nil)
	assert.ErrorIs(t, err, scherr.ErrInvalidTransition)
	_, err = s.Report(ctx, task.ID, "w2", model.TaskStateFailed, nil, nil)
	assert.ErrorIs(t, err, scherr.ErrOwnershipMismatch)

	detail, err := s.GetJobGroup(jg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.DoneCount, "duplicate callbacks do not double count")

	// pending 任务不能由任何人回报
	other := s.PendingTasks()[0]
	_, err = s.Report(ctx, other.ID, "w1", model.TaskStateRunning, nil, nil)
	assert.ErrorIs(t, err, scherr.ErrOwnershipMismatch)
}

func TestReportUsesWorkerDoneTime(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()
	_, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 1}, "gpu"))
	require.NoError(t, err)
	task, err := s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)

	at := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	done, err := s.Report(ctx, task.ID, "w1", model.TaskStateDone, nil, &at)
	require.NoError(t, err)
	assert.True(t, done.DoneTime.Equal(at))
}

// ============================================================================
// 重新入队
// ============================================================================

func TestRequeueOrphans(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()
	jg1, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2}, "gpu"))
	require.NoError(t, err)
	_, err = s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 1}, "gpu"))
	require.NoError(t, err)

	var held []string
	for i := 0; i < 3; i++ {
		task, err := s.ClaimNext(ctx, "w1", nil)
		require.NoError(t, err)
		held = append(held, task.ID)
	}
	_, err = s.Report(ctx, held[0], "w1", model.TaskStateRunning, nil, nil)
	require.NoError(t, err)

	requeued, err := s.RequeueOrphans(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, requeued, 3)
	for _, task := range requeued {
		assert.Equal(t, model.TaskStatePending, task.State)
		assert.Equal(t, 1, task.RetryCount)
		assert.Empty(t, task.AssignedWorkerID)
		assert.Nil(t, task.StartedTime)
	}
	assert.Zero(t, s.HeldCount("w1"))
	assert.Len(t, s.PendingTasks(), 3)

	detail, err := s.GetJobGroup(jg1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.PendingCount)
	assert.Zero(t, detail.RunningCount)

	again, err := s.RequeueOrphans(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, again, "second requeue for the same death is a no-op")

	// 重新入队的任务按原 seq 回到队首
	next, err := s.ClaimNext(ctx, "w2", nil)
	require.NoError(t, err)
	assert.Equal(t, held[0], next.ID)
}

func TestRequeueRetryCap(t *testing.T) {
	s, _, _ := newTestStore(t, 2)
	ctx := context.Background()
	jg, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 1}, "gpu"))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		task, err := s.ClaimNext(ctx, fmt.Sprintf("w%d", i), nil)
		require.NoError(t, err)
		require.NotNil(t, task)

		out, err := s.RequeueOrphans(ctx, fmt.Sprintf("w%d", i))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, i, out[0].RetryCount)
		if i <= 2 {
			assert.Equal(t, model.TaskStatePending, out[0].State)
		} else {
			assert.Equal(t, model.TaskStateFailed, out[0].State)
			assert.Equal(t, model.FailReasonRetryExhausted, out[0].FailReason)
		}
	}

	assert.False(t, s.JobGroupAlive(jg.ID))
	detail, err := s.GetJobGroup(jg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.FailedCount)
	assert.Zero(t, detail.PendingCount)
}

// ============================================================================
// 删除
// ============================================================================

func TestDeleteJobGroup(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()
	jg, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2}, "gpu"))
	require.NoError(t, err)
	task, err := s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)
	held := s.TasksHeldBy("w1")
	require.Len(t, held, 1)
	assert.Equal(t, task.ID, held[0].ID)

	err = s.DeleteJobGroup(ctx, jg.ID, false)
	assert.ErrorIs(t, err, scherr.ErrJobGroupActive)

	require.NoError(t, s.DeleteJobGroup(ctx, jg.ID, true))

	_, err = s.GetJobGroup(jg.ID)
	assert.ErrorIs(t, err, scherr.ErrNotFound)
	_, err = s.GetTask(task.ID)
	assert.ErrorIs(t, err, scherr.ErrNotFound)
	assert.Zero(t, s.HeldCount("w1"))
	assert.Empty(t, s.TasksHeldBy("w1"))
	assert.Empty(t, s.PendingTasks())

	_, err = s.Report(ctx, task.ID, "w1", model.TaskStateDone, nil, nil)
	assert.ErrorIs(t, err, scherr.ErrNotFound)

	err = s.DeleteJobGroup(ctx, jg.ID, true)
	assert.ErrorIs(t, err, scherr.ErrNotFound)
}

func TestDeleteCompletedJobGroupWithoutCascade(t *testing.T) {
	s, _, _ := newTestStore(t, 5)
	ctx := context.Background()
	jg, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 1}, "gpu"))
	require.NoError(t, err)
	task, err := s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)
	_, err = s.Report(ctx, task.ID, "w1", model.TaskStateDone, intPtr(0), nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteJobGroup(ctx, jg.ID, false))
}

// ============================================================================
// 持久化失败
// ============================================================================

func TestPersistenceFailureRollsBack(t *testing.T) {
	s, persist, _ := newTestStore(t, 5)
	ctx := context.Background()
	jg, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2}, "gpu"))
	require.NoError(t, err)

	persist.setFail(true)
	task, err := s.ClaimNext(ctx, "w1", nil)
	require.Error(t, err)
	assert.True(t, scherr.IsFatal(err))
	assert.Nil(t, task)
	assert.Len(t, s.PendingTasks(), 2)
	assert.Zero(t, s.HeldCount("w1"))

	persist.setFail(false)
	task, err = s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)

	persist.setFail(true)
	_, err = s.Report(ctx, task.ID, "w1", model.TaskStateDone, nil, nil)
	require.Error(t, err)
	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateAssigned, got.State)

	_, err = s.RequeueOrphans(ctx, "w1")
	require.Error(t, err)
	assert.Equal(t, 1, s.HeldCount("w1"))

	err = s.DeleteJobGroup(ctx, jg.ID, true)
	require.Error(t, err)
	detail, err := s.GetJobGroup(jg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.PendingCount)
	assert.Equal(t, 1, detail.RunningCount)
}

// ============================================================================
// 恢复
// ============================================================================

func TestRestoreFromSQLite(t *testing.T) {
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(context.Background(), db))
	persist := repository.NewStore(db, dialect)
	t.Cleanup(func() { persist.Close() })

	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	first := New(persist, Options{MaxRetries: RetryLimit(5), Clock: clock, Logger: logging.Nop()})

	jg, err := first.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2, "cpu": 1}, "gpu", "cpu"))
	require.NoError(t, err)
	held, err := first.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)

	second := New(persist, Options{MaxRetries: RetryLimit(5), Clock: clock, Logger: logging.Nop()})
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, second.HeldCount("w1"))
	assert.Len(t, second.PendingTasks(), 2)
	detail, err := second.GetJobGroup(jg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.PendingCount)
	assert.Equal(t, 1, detail.RunningCount)
	assert.Equal(t, jg.TaskGroupIDs, detail.TaskGroupIDs)

	next, err := second.ClaimNext(ctx, "w2", nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Greater(t, next.ID, held.ID)

	jg2, err := second.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 1}, "gpu"))
	require.NoError(t, err)
	detail2, err := second.GetJobGroup(jg2.ID)
	require.NoError(t, err)
	require.Len(t, detail2.TaskGroups, 1)
	tasks := second.PendingTasks()
	assert.Equal(t, model.TaskID(4), tasks[len(tasks)-1].ID, "sequence continues after restore")
}

// ============================================================================
// 作业组结束回调
// ============================================================================

func TestOnJobGroupDoneFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var done []model.JobGroup
	persist := &flakyStore{NoOpStore: storage.NewNoOpStore()}
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(persist, Options{MaxRetries: RetryLimit(0), Clock: clock, Logger: logging.Nop(),
		OnJobGroupDone: func(jg model.JobGroup) {
			mu.Lock()
			done = append(done, jg)
			mu.Unlock()
		}})
	ctx := context.Background()

	jg1, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2}, "gpu"))
	require.NoError(t, err)
	a, err := s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)
	b, err := s.ClaimNext(ctx, "w1", nil)
	require.NoError(t, err)

	_, err = s.Report(ctx, a.ID, "w1", model.TaskStateDone, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, done)

	_, err = s.Report(ctx, b.ID, "w1", model.TaskStateFailed, intPtr(1), nil)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, jg1.ID, done[0].ID)
	assert.Equal(t, 1, done[0].DoneCount)
	assert.Equal(t, 1, done[0].FailedCount)

	_, err = s.Report(ctx, b.ID, "w1", model.TaskStateFailed, intPtr(1), nil)
	assert.ErrorIs(t, err, scherr.ErrInvalidTransition)
	assert.Len(t, done, 1)

	// 重试耗尽同样会结束作业组
	jg2, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 1}, "gpu"))
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w2", nil)
	require.NoError(t, err)
	_, err = s.RequeueOrphans(ctx, "w2")
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, jg2.ID, done[1].ID)

	// 级联删除先结束作业组再删除
	jg3, err := s.SubmitJobGroup(ctx, spec(map[string]int{"gpu": 2}, "gpu"))
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w3", nil)
	require.NoError(t, err)
	require.NoError(t, s.DeleteJobGroup(ctx, jg3.ID, true))
	require.Len(t, done, 3)
	assert.Equal(t, jg3.ID, done[2].ID)
	assert.Equal(t, 2, done[2].FailedCount)
}
