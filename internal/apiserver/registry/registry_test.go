package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
	"angel-master/internal/shared/storage"
	"angel-master/pkg/logging"
)

type failingWorkerStore struct {
	*storage.NoOpStore
	fail bool
}

func (s *failingWorkerStore) UpsertWorker(ctx context.Context, w *model.Worker) error {
	if s.fail {
		return errors.New("db unreachable")
	}
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(storage.NewNoOpStore(), NewPolicy(30*time.Second, clock), logging.Nop()), clock
}

func TestRegisterAndDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	h, reconnected, err := r.Register(ctx, Registration{WorkerID: "w1", GroupID: "gpu"})
	require.NoError(t, err)
	assert.False(t, reconnected)
	assert.True(t, h.Alive)
	assert.Equal(t, "gpu", h.GroupID)
	assert.Equal(t, "w1", h.Name)

	_, _, err = r.Register(ctx, Registration{WorkerID: "w1"})
	assert.ErrorIs(t, err, scherr.ErrDuplicateWorker)
}

func TestRegisterDefaultsGroup(t *testing.T) {
	r, _ := newTestRegistry(t)
	h, _, err := r.Register(context.Background(), Registration{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultWorkerGroup, h.GroupID)

	_, _, err = r.Register(context.Background(), Registration{})
	assert.ErrorIs(t, err, scherr.ErrInvalidRequest)
}

func TestHeartbeatExtendsLiveness(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.Register(ctx, Registration{WorkerID: "w1"})
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	h, err := r.Heartbeat(ctx, "w1", model.WorkerMetrics{CPUFree: 80, RunningTasks: 1})
	require.NoError(t, err)
	assert.Equal(t, 80.0, h.CPUFree)

	clock.Advance(20 * time.Second)
	snap, err := r.Snapshot("w1")
	require.NoError(t, err)
	assert.True(t, snap.Alive)
	assert.Empty(t, r.ListExpired())

	clock.Advance(15 * time.Second)
	assert.Equal(t, []string{"w1"}, r.ListExpired())
}

func TestHeartbeatUnknownAndDead(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Heartbeat(ctx, "ghost", model.WorkerMetrics{})
	assert.ErrorIs(t, err, scherr.ErrUnknownWorker)

	_, _, err = r.Register(ctx, Registration{WorkerID: "w1"})
	require.NoError(t, err)
	clock.Advance(31 * time.Second)

	changed, err := r.MarkDead(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = r.Heartbeat(ctx, "w1", model.WorkerMetrics{})
	assert.ErrorIs(t, err, scherr.ErrUnknownWorker)
}

func TestHeartbeatIsLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.log")
	logger := logging.New(logging.Config{Level: "debug", Format: "json", Output: path, Component: "registry"})
	clock := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(storage.NewNoOpStore(), NewPolicy(30*time.Second, clock), logger)
	ctx := context.Background()

	_, _, err := r.Register(ctx, Registration{WorkerID: "w1"})
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, err = r.Heartbeat(ctx, "w1", model.WorkerMetrics{})
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, "ghost", model.WorkerMetrics{})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var beats []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if strings.HasPrefix(rec["msg"].(string), "Heartbeat") {
			beats = append(beats, rec)
		}
	}
	require.Len(t, beats, 2)
	assert.Equal(t, "Heartbeat received", beats[0]["msg"])
	assert.Equal(t, "w1", beats[0]["worker_id"])
	assert.Equal(t, float64(10000), beats[0]["interval_ms"])
	assert.Equal(t, "Heartbeat rejected", beats[1]["msg"])
	assert.Equal(t, "ghost", beats[1]["worker_id"])
}

func TestExpiredWorkerRevivesOnHeartbeat(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.Register(ctx, Registration{WorkerID: "w1"})
	require.NoError(t, err)

	clock.Advance(40 * time.Second)
	assert.Empty(t, r.ListAlive(""))

	h, err := r.Heartbeat(ctx, "w1", model.WorkerMetrics{})
	require.NoError(t, err)
	assert.True(t, h.Alive)

	changed, err := r.MarkDead(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, changed, "revived worker must not be declared dead")
}

func TestReRegisterAfterDeathIsReconnect(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.Register(ctx, Registration{WorkerID: "w1", GroupID: "gpu"})
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, "w1", model.WorkerMetrics{RunningTasks: 3})
	require.NoError(t, err)

	require.NoError(t, r.Logout(ctx, "w1"))
	require.NoError(t, r.Logout(ctx, "w1"), "logout is idempotent")

	clock.Advance(time.Second)
	h, reconnected, err := r.Register(ctx, Registration{WorkerID: "w1", GroupID: "cpu"})
	require.NoError(t, err)
	assert.True(t, reconnected)
	assert.Equal(t, "cpu", h.GroupID)
	assert.Zero(t, h.RunningTasks)
	assert.Nil(t, h.DeadAt)
}

func TestListAliveFiltersGroup(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	for i, g := range []string{"gpu", "cpu", "gpu"} {
		_, _, err := r.Register(ctx, Registration{WorkerID: fmt.Sprintf("w%d", i), GroupID: g})
		require.NoError(t, err)
	}
	assert.Len(t, r.ListAlive(""), 3)

	gpu := r.ListAlive("gpu")
	require.Len(t, gpu, 2)
	assert.Equal(t, "w0", gpu[0].ID)
	assert.Equal(t, "w2", gpu[1].ID)

	clock.Advance(time.Minute)
	assert.Empty(t, r.ListAlive(""))
	assert.Len(t, r.List(""), 3)
}

func TestSetDraining(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.Register(ctx, Registration{WorkerID: "w1"})
	require.NoError(t, err)

	_, err = r.SetDraining(ctx, []string{"w1", "ghost"})
	assert.ErrorIs(t, err, scherr.ErrUnknownWorker)
	snap, _ := r.Snapshot("w1")
	assert.Equal(t, model.WorkerStatusAlive, snap.Status, "rejected batch changes nothing")

	changed, err := r.SetDraining(ctx, []string{"w1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, changed)

	changed, err = r.SetDraining(ctx, []string{"w1"})
	require.NoError(t, err)
	assert.Empty(t, changed)

	// 排空中的工作节点仍然存活，只是不再领取任务
	alive := r.ListAlive("")
	require.Len(t, alive, 1)
	assert.False(t, alive[0].CanClaim(r.Policy().Now(), r.Policy().TTL))
}

func TestPurgeDeadWorkers(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.Register(ctx, Registration{WorkerID: "w1"})
	require.NoError(t, err)
	_, _, err = r.Register(ctx, Registration{WorkerID: "w2"})
	require.NoError(t, err)
	require.NoError(t, r.Logout(ctx, "w1"))

	purged, err := r.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, purged)

	clock.Advance(2 * time.Hour)
	purged, err = r.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, purged)

	_, err = r.Snapshot("w1")
	assert.ErrorIs(t, err, scherr.ErrUnknownWorker)
	_, err = r.Snapshot("w2")
	assert.NoError(t, err, "expired but not dead workers are kept")
}

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	clock := NewFakeClock(time.Now())
	store := &failingWorkerStore{NoOpStore: storage.NewNoOpStore()}
	r := New(store, NewPolicy(30*time.Second, clock), logging.Nop())
	ctx := context.Background()

	store.fail = true
	_, _, err := r.Register(ctx, Registration{WorkerID: "w1"})
	require.Error(t, err)
	assert.True(t, scherr.IsFatal(err))
	_, err = r.Snapshot("w1")
	assert.ErrorIs(t, err, scherr.ErrUnknownWorker)

	store.fail = false
	_, _, err = r.Register(ctx, Registration{WorkerID: "w1"})
	require.NoError(t, err)

	store.fail = true
	clock.Advance(10 * time.Second)
	_, err = r.Heartbeat(ctx, "w1", model.WorkerMetrics{CPUFree: 1})
	require.Error(t, err)
	snap, _ := r.Snapshot("w1")
	assert.Zero(t, snap.CPUFree)
}

func TestConcurrentHeartbeats(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	const n = 16
	for i := 0; i < n; i++ {
		_, _, err := r.Register(ctx, Registration{WorkerID: fmt.Sprintf("w%02d", i)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := r.Heartbeat(ctx, id, model.WorkerMetrics{RunningTasks: j})
				assert.NoError(t, err)
				_ = r.ListAlive("")
			}
		}(fmt.Sprintf("w%02d", i))
	}
	wg.Wait()
	assert.Len(t, r.ListAlive(""), n)
}

func TestRestore(t *testing.T) {
	clock := NewFakeClock(time.Now())
	store := &restoreStore{NoOpStore: storage.NewNoOpStore(), workers: []*model.Worker{
		{ID: "w1", GroupID: "gpu", Status: model.WorkerStatusAlive, RefreshTime: clock.Now()},
		{ID: "w2", GroupID: "gpu", Status: model.WorkerStatusAlive, RefreshTime: clock.Now().Add(-time.Hour)},
	}}
	r := New(store, NewPolicy(30*time.Second, clock), logging.Nop())

	n, err := r.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, r.ListAlive("gpu"), 1)
	assert.Equal(t, []string{"w2"}, r.ListExpired())
}

type restoreStore struct {
	*storage.NoOpStore
	workers []*model.Worker
}

func (s *restoreStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	return s.workers, nil
}
