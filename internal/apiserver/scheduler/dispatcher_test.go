package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angel-master/internal/apiserver/registry"
	"angel-master/internal/apiserver/taskstore"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
	"angel-master/internal/shared/storage"
	"angel-master/pkg/logging"
)

type fixture struct {
	clock      *registry.FakeClock
	registry   *registry.Registry
	store      *taskstore.Store
	bus        *eventbus.MemoryBus
	dispatcher *Dispatcher
	monitor    *Monitor
}

func newFixture(t *testing.T, cfg *Config, maxRetries int) *fixture {
	t.Helper()
	clock := registry.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	persist := storage.NewNoOpStore()
	reg := registry.New(persist, registry.NewPolicy(30*time.Second, clock), logging.Nop())
	store := taskstore.New(persist, taskstore.Options{MaxRetries: taskstore.RetryLimit(maxRetries), Clock: clock, Logger: logging.Nop()})
	bus := eventbus.NewMemoryBus(0)
	t.Cleanup(func() { bus.Close() })

	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &fixture{
		clock:      clock,
		registry:   reg,
		store:      store,
		bus:        bus,
		dispatcher: NewDispatcher(cfg, reg, store, bus, nil),
		monitor:    NewMonitor(cfg, reg, store, bus, nil, nil),
	}
}

func (f *fixture) register(t *testing.T, id, group string) {
	t.Helper()
	_, _, err := f.registry.Register(context.Background(), registry.Registration{WorkerID: id, GroupID: group})
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, group string, n int) *model.JobGroup {
	t.Helper()
	tg := model.TaskGroupSpec{Name: "tg", GroupID: group}
	for i := 0; i < n; i++ {
		tg.Tasks = append(tg.Tasks, model.TaskSpec{Name: fmt.Sprintf("t%d", i)})
	}
	jg, err := f.store.SubmitJobGroup(context.Background(), &model.JobGroupSpec{
		Name:       "jg",
		TaskGroups: []model.TaskGroupSpec{tg},
	})
	require.NoError(t, err)
	return jg
}

func (f *fixture) eventTypes(t *testing.T) []model.EventType {
	t.Helper()
	events, err := f.bus.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	out := make([]model.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func ids(tasks []model.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

// ============================================================================
// 端到端
// ============================================================================

func TestPullAndCompleteJobGroup(t *testing.T) {
	f := newFixture(t, nil, 5)
	ctx := context.Background()

	jg := f.submit(t, "g1", 3)
	f.register(t, "w1", "g1")
	_, err := f.registry.Heartbeat(ctx, "w1", model.WorkerMetrics{CPUFree: 90})
	require.NoError(t, err)

	first, err := f.dispatcher.PullTasks(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []string{model.TaskID(1), model.TaskID(2)}, ids(first))
	for _, task := range first {
		assert.Equal(t, model.TaskStateAssigned, task.State)
		assert.Equal(t, "w1", task.AssignedWorkerID)
	}

	for _, task := range first {
		_, err := f.store.Report(ctx, task.ID, "w1", model.TaskStateDone, nil, nil)
		require.NoError(t, err)
	}

	third, err := f.dispatcher.PullTasks(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, model.TaskID(3), third[0].ID)

	alive := f.store.AliveJobGroups()
	require.Len(t, alive, 1)
	assert.Equal(t, jg.ID, alive[0].ID)
	assert.Equal(t, 0, alive[0].PendingCount)
	assert.Equal(t, 1, alive[0].RunningCount)
	assert.Equal(t, 2, alive[0].DoneCount)

	_, err = f.store.Report(ctx, third[0].ID, "w1", model.TaskStateDone, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, f.store.AliveJobGroups())

	assigned := 0
	for _, typ := range f.eventTypes(t) {
		if typ == model.EventTaskAssigned {
			assigned++
		}
	}
	assert.Equal(t, 3, assigned)
}

// ============================================================================
// 拉取约束
// ============================================================================

func TestPullUnknownWorker(t *testing.T) {
	f := newFixture(t, nil, 5)
	f.submit(t, "g1", 1)

	_, err := f.dispatcher.PullTasks(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, scherr.ErrUnknownWorker)
	assert.Len(t, f.store.PendingTasks(), 1)
}

func TestPullRespectsAffinity(t *testing.T) {
	f := newFixture(t, nil, 5)
	ctx := context.Background()

	f.submit(t, "gpu", 2)
	f.register(t, "w1", "cpu")

	tasks, err := f.dispatcher.PullTasks(ctx, "w1", 5)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	f.submit(t, model.AnyGroup, 1)
	tasks, err = f.dispatcher.PullTasks(ctx, "w1", 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskID(3), tasks[0].ID)
}

func TestPullCapacityLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.MaxConcurrentPerWorker = 2
	f := newFixture(t, cfg, 5)
	ctx := context.Background()

	f.submit(t, "g1", 5)
	f.register(t, "w1", "g1")

	tasks, err := f.dispatcher.PullTasks(ctx, "w1", 5)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = f.dispatcher.PullTasks(ctx, "w1", 5)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = f.store.Report(ctx, model.TaskID(1), "w1", model.TaskStateDone, nil, nil)
	require.NoError(t, err)

	tasks, err = f.dispatcher.PullTasks(ctx, "w1", 5)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCapacityUsesSelfReportedRunning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.MaxConcurrentPerWorker = 4
	cfg.Dispatch.MaxPullBatch = 3
	f := newFixture(t, cfg, 5)

	w := &model.Worker{ID: "w1"}
	assert.Equal(t, 1, f.dispatcher.Capacity(w, 0))
	assert.Equal(t, 3, f.dispatcher.Capacity(w, 10))

	w.RunningTasks = 3
	assert.Equal(t, 1, f.dispatcher.Capacity(w, 10))

	w.RunningTasks = 6
	assert.Equal(t, 0, f.dispatcher.Capacity(w, 10))
}

func TestPullDrainingWorkerGetsNothing(t *testing.T) {
	f := newFixture(t, nil, 5)
	ctx := context.Background()

	f.submit(t, "g1", 2)
	f.register(t, "w1", "g1")
	_, err := f.registry.SetDraining(ctx, []string{"w1"})
	require.NoError(t, err)

	tasks, err := f.dispatcher.PullTasks(ctx, "w1", 2)
	require.NoError(t, err)
	assert.NotNil(t, tasks)
	assert.Empty(t, tasks)
	assert.Len(t, f.store.PendingTasks(), 2)
}

func TestPullExpiredWorkerGetsNothing(t *testing.T) {
	f := newFixture(t, nil, 5)
	f.submit(t, "g1", 1)
	f.register(t, "w1", "g1")

	f.clock.Advance(31 * time.Second)
	tasks, err := f.dispatcher.PullTasks(context.Background(), "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
