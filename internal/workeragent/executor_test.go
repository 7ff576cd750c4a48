package workeragent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angel-master/internal/shared/model"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"string payload", `"echo hi"`, "echo hi", false},
		{"object payload", `{"command":"ls -l","timeout":"5s"}`, "ls -l", false},
		{"empty", ``, "", true},
		{"no command", `{"env":{"A":"1"}}`, "", true},
		{"blank string", `"   "`, "", true},
		{"bad timeout", `{"command":"true","timeout":"soon"}`, "", true},
		{"not json", `{`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCommand(json.RawMessage(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Command)
		})
	}
}

type lineSink struct {
	mu    sync.Mutex
	lines map[model.LogLevel][]string
}

func (s *lineSink) add(level model.LogLevel, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lines == nil {
		s.lines = map[model.LogLevel][]string{}
	}
	s.lines[level] = append(s.lines[level], line)
}

func TestExecutorStreamsAndExitCode(t *testing.T) {
	e := &Executor{}
	sink := &lineSink{}

	code, err := e.Run(context.Background(), &Command{
		Command: `echo one; echo two; echo "$GREETING" >&2; exit 7`,
		Env:     map[string]string{"GREETING": "hi"},
	}, sink.add)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, []string{"one", "two"}, sink.lines[model.LogLevelInfo])
	assert.Equal(t, []string{"hi"}, sink.lines[model.LogLevelError])
}

func TestExecutorTimeout(t *testing.T) {
	e := &Executor{}
	start := time.Now()
	code, err := e.Run(context.Background(), &Command{Command: "sleep 10", Timeout: "100ms"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutorCancel(t *testing.T) {
	e := &Executor{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := e.Run(ctx, &Command{Command: "sleep 10"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutorMissingShell(t *testing.T) {
	e := &Executor{Shell: "/nonexistent/shell"}
	code, err := e.Run(context.Background(), &Command{Command: "true"}, nil)
	assert.Error(t, err)
	assert.Equal(t, -1, code)
}
