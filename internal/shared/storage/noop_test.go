package storage

import (
	"context"
	"testing"
	"time"

	"angel-master/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpStoreCredentials(t *testing.T) {
	s := NewNoOpStore()
	ctx := context.Background()

	require.NoError(t, s.CreateCredential(ctx, &model.Credential{WorkerID: "worker-1", Name: "w1"}))
	assert.ErrorIs(t, s.CreateCredential(ctx, &model.Credential{WorkerID: "worker-2", Name: "w1"}), ErrDuplicate)

	got, err := s.GetCredentialByName(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.WorkerID)

	_, err = s.GetCredentialByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNoOpStoreLogsOrdered(t *testing.T) {
	s := NewNoOpStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.AppendLog(ctx, &model.LogEntry{ID: "b", TaskID: "t1", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.AppendLog(ctx, &model.LogEntry{ID: "a", TaskID: "t1", CreatedAt: base}))

	logs, err := s.ListLogs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "a", logs[0].ID)
	assert.Equal(t, "b", logs[1].ID)
}

func TestNoOpStoreJobsAreEmpty(t *testing.T) {
	s := NewNoOpStore()
	snap, err := s.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Tasks)
	assert.True(t, IsDomainError(ErrNotFound))
	assert.False(t, IsDomainError(assert.AnError))
}
