package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	h := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &Logger{Logger: slog.New(h)}
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestWithWorkerID(t *testing.T) {
	var buf bytes.Buffer
	newBufferLogger(&buf).WithWorkerID("worker-1").Info("worker registered", "group_id", "gpu")

	rec := decode(t, &buf)
	assert.Equal(t, "worker-1", rec["worker_id"])
	assert.Equal(t, "gpu", rec["group_id"])
}

func TestTaskLog(t *testing.T) {
	var buf bytes.Buffer
	newBufferLogger(&buf).TaskLog("done", "jg-1", "task-000000000001", "worker_id", "worker-1")

	rec := decode(t, &buf)
	assert.Equal(t, "done", rec["action"])
	assert.Equal(t, "jg-1", rec["job_group_id"])
	assert.Equal(t, "worker-1", rec["worker_id"])
}

func TestHeartbeatLogLevels(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.HeartbeatLog("worker-1", "alive", 10*time.Second, nil)
	rec := decode(t, &buf)
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, float64(10000), rec["interval_ms"])

	buf.Reset()
	l.HeartbeatLog("worker-1", "dead", 0, assert.AnError)
	rec = decode(t, &buf)
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "worker-1", rec["worker_id"])
	assert.Equal(t, assert.AnError.Error(), rec["error"])
}
