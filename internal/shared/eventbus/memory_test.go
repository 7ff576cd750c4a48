package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angel-master/internal/shared/model"
)

func TestMemoryBusRecent(t *testing.T) {
	bus := NewMemoryBus(3)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		require.NoError(t, bus.Publish(ctx, NewEvent(model.EventTaskDone, "w1", id, "jg-1", nil)))
	}

	all, err := bus.Recent(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3, "oldest event trimmed")
	assert.Equal(t, "t2", all[0].TaskID)
	assert.NotEmpty(t, all[0].ID)

	after, err := bus.Recent(ctx, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "t3", after[0].TaskID)
}

func TestMemoryBusSubscribe(t *testing.T) {
	bus := NewMemoryBus(0)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(),
		NewEvent(model.EventWorkerDead, "w1", "", "", map[string]int{"requeued": 2})))

	select {
	case e := <-ch:
		assert.Equal(t, model.EventWorkerDead, e.Type)
		assert.JSONEq(t, `{"requeued":2}`, string(e.Data))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(0)
	ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, bus.Publish(context.Background(), NewEvent(model.EventLog, "", "", "", nil)))
}
