package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angel-master/internal/apiserver/auth"
	"angel-master/internal/apiserver/metrics"
	"angel-master/internal/apiserver/service"
	"angel-master/internal/config"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/scherr"
	"angel-master/pkg/logging"
)

const adminToken = "admin-secret"

type testServer struct {
	*httptest.Server
	svc *service.Service
	bus *eventbus.MemoryBus
}

func newTestServer(t *testing.T, jwtSecret string) *testServer {
	t.Helper()
	cfg := &config.Config{
		Auth: config.AuthConfig{JWTSecret: jwtSecret, AdminToken: adminToken, TokenTTL: time.Hour},
		Scheduler: config.SchedulerConfig{
			TTL:        30 * time.Second,
			MaxRetries: 5,
		},
	}
	bus := eventbus.NewMemoryBus(0)
	m := metrics.NewMetrics("test")
	svc := service.New(service.Deps{Config: cfg, Bus: bus, Metrics: m, Logger: logging.Nop()})

	v, err := NewValidator(context.Background())
	require.NoError(t, err)

	h := NewHandler(Options{
		Service:   svc,
		Auth:      auth.FromSettings(cfg.Auth),
		Bus:       bus,
		Metrics:   m,
		Validator: v,
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		bus.Close()
	})
	return &testServer{Server: srv, svc: svc, bus: bus}
}

// call 发送请求，token 以 "admin" 开头时作为 X-Admin-Token
func (s *testServer) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case token == "":
	case strings.HasPrefix(token, "admin"):
		req.Header.Set(auth.AdminTokenHeader, token)
	default:
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (s *testServer) register(t *testing.T, name, group string) (string, string) {
	t.Helper()
	status, body := s.call(t, http.MethodPost, "/register", "", map[string]any{
		"name": name, "password": "pw", "params": map[string]string{"group_id": group},
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body["worker_id"].(string), body["token"].(string)
}

func (s *testServer) submit(t *testing.T, group string, n int) string {
	t.Helper()
	tasks := make([]map[string]any, n)
	for i := range tasks {
		tasks[i] = map[string]any{"name": "t", "payload": map[string]int{"i": i}}
	}
	status, body := s.call(t, http.MethodPost, "/job_group", adminToken, map[string]any{
		"task_groups": []map[string]any{{"group_id": group, "tasks": tasks}},
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body["job_group_id"].(string)
}

// ============================================================================
// 公开路由
// ============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, "jwt-secret")

	status, body := s.call(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "test_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, "jwt-secret")
	req, _ := http.NewRequest(http.MethodOptions, s.URL+"/pull", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), auth.AdminTokenHeader)
}

// ============================================================================
// 认证
// ============================================================================

func TestWorkerRoutesRequireMatchingToken(t *testing.T) {
	s := newTestServer(t, "jwt-secret")
	w1, tok1 := s.register(t, "box-1", "g1")
	w2, _ := s.register(t, "box-2", "g1")

	status, body := s.call(t, http.MethodPost, "/heartbeat", "", map[string]any{"worker_id": w1})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body = s.call(t, http.MethodPost, "/heartbeat", tok1, map[string]any{"worker_id": w1})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])

	status, body = s.call(t, http.MethodPost, "/heartbeat", tok1, map[string]any{"worker_id": w2})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	// 管理接口拒绝工作节点 token
	status, _ = s.call(t, http.MethodGet, "/workers", tok1, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = s.call(t, http.MethodGet, "/workers", adminToken, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["count"])
}

func TestRegisterConflictsAndLogin(t *testing.T) {
	s := newTestServer(t, "jwt-secret")
	id, _ := s.register(t, "box-1", "g1")

	status, body := s.call(t, http.MethodPost, "/register", "", map[string]any{"name": "box-1", "password": "pw"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "DUPLICATE_WORKER", errorCode(body))

	status, body = s.call(t, http.MethodPost, "/login", "", map[string]any{"name": "box-1", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = s.call(t, http.MethodPost, "/login", "", map[string]any{"name": "box-1", "password": "pw"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, body["worker_id"])
	assert.NotEmpty(t, body["token"])
}

func TestAuthDisabledUsesBodyWorkerID(t *testing.T) {
	s := newTestServer(t, "")
	status, body := s.call(t, http.MethodPost, "/register", "", map[string]any{"name": "box-1", "password": "pw"})
	require.Equal(t, http.StatusCreated, status)
	assert.Nil(t, body["token"])
	id := body["worker_id"].(string)

	status, _ = s.call(t, http.MethodPost, "/heartbeat", "", map[string]any{"worker_id": id})
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.call(t, http.MethodGet, "/tasks/pending", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

// ============================================================================
// 调度流程
// ============================================================================

func TestPullCallbackFlow(t *testing.T) {
	s := newTestServer(t, "jwt-secret")
	id, tok := s.register(t, "box-1", "g1")
	jgID := s.submit(t, "g1", 2)

	status, body := s.call(t, http.MethodPost, "/pull", tok, map[string]any{"worker_id": id, "max_tasks": 5})
	require.Equal(t, http.StatusOK, status, body)
	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 2)
	taskID := tasks[0].(map[string]any)["id"].(string)

	status, body = s.call(t, http.MethodPost, "/pull/next", tok, map[string]any{"worker_id": id})
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["task"])

	status, body = s.call(t, http.MethodPost, "/task_callback", tok, map[string]any{
		"task_id": taskID, "worker_id": id, "state": "running",
	})
	require.Equal(t, http.StatusOK, status, body)

	status, _ = s.call(t, http.MethodPost, "/logs", tok, map[string]any{
		"task_id": taskID, "worker_id": id, "level": "info", "content": "started",
	})
	require.Equal(t, http.StatusOK, status)

	status, body = s.call(t, http.MethodPost, "/task_callback", tok, map[string]any{
		"task_id": taskID, "worker_id": id, "state": "done", "exit_state": 0,
		"done_time": time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = s.call(t, http.MethodPost, "/task_callback", tok, map[string]any{
		"task_id": taskID, "worker_id": id, "state": "done",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	status, body = s.call(t, http.MethodGet, "/tasks/"+taskID+"/logs", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["logs"], 1)

	status, body = s.call(t, http.MethodGet, "/job_group/"+jgID, adminToken, nil)
	require.Equal(t, http.StatusOK, status, body)

	status, body = s.call(t, http.MethodGet, "/tasks/alive", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, body = s.call(t, http.MethodGet, "/workers/"+id+"/tasks", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, tasks[1].(map[string]any)["id"], body["tasks"].([]any)[0].(map[string]any)["id"])

	status, body = s.call(t, http.MethodDelete, "/job_group/"+jgID, adminToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "JOB_GROUP_ACTIVE", errorCode(body))

	status, _ = s.call(t, http.MethodDelete, "/job_group/"+jgID+"?cascade=maybe", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.call(t, http.MethodDelete, "/job_group/"+jgID+"?cascade=true", adminToken, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = s.call(t, http.MethodGet, "/job_group/"+jgID, adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestShutdownSetsDrainDirective(t *testing.T) {
	s := newTestServer(t, "jwt-secret")
	id, tok := s.register(t, "box-1", "g1")

	status, body := s.call(t, http.MethodPost, "/workers/shutdown", adminToken, map[string]any{"worker_ids": []string{id}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{id}, body["draining"])

	status, body = s.call(t, http.MethodPost, "/heartbeat", tok, map[string]any{"worker_id": id})
	require.Equal(t, http.StatusOK, status)
	directives := body["directives"].(map[string]any)
	assert.Equal(t, true, directives["drain"])

	status, body = s.call(t, http.MethodGet, "/workers/"+id, adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "draining", body["status"])

	status, body = s.call(t, http.MethodGet, "/workers/ghost", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "UNKNOWN_WORKER", errorCode(body))

	status, body = s.call(t, http.MethodGet, "/workers/ghost/tasks", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "UNKNOWN_WORKER", errorCode(body))
}

// ============================================================================
// 请求体校验
// ============================================================================

func TestValidatorRejectsMalformedBodies(t *testing.T) {
	s := newTestServer(t, "jwt-secret")

	tests := []struct {
		name string
		path string
		body any
	}{
		{"register missing password", "/register", map[string]any{"name": "x"}},
		{"callback bad state", "/task_callback", map[string]any{"task_id": "t", "worker_id": "w", "state": "pending"}},
		{"pull negative", "/pull", map[string]any{"worker_id": "w", "max_tasks": -1}},
		{"job group without tasks", "/job_group", map[string]any{"task_groups": []map[string]any{{"group_id": "g", "tasks": []any{}}}}},
		{"log bad level", "/logs", map[string]any{"task_id": "t", "worker_id": "w", "content": "x", "level": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.call(t, http.MethodPost, tt.path, adminToken, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "INVALID_REQUEST", errorCode(body))
		})
	}
}

func TestValidatorFromDataRejectsBrokenDocument(t *testing.T) {
	_, err := NewValidatorFromData(context.Background(), []byte("openapi: 3.0.3\npaths: ["))
	assert.Error(t, err)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		code scherr.Code
		want int
	}{
		{scherr.CodeDuplicateWorker, http.StatusConflict},
		{scherr.CodeOwnershipMismatch, http.StatusConflict},
		{scherr.CodeInvalidTransition, http.StatusConflict},
		{scherr.CodeJobGroupActive, http.StatusConflict},
		{scherr.CodeUnknownWorker, http.StatusNotFound},
		{scherr.CodeNotFound, http.StatusNotFound},
		{scherr.CodeInvalidSpec, http.StatusBadRequest},
		{scherr.CodeInvalidRequest, http.StatusBadRequest},
		{scherr.CodeUnauthorized, http.StatusUnauthorized},
		{scherr.CodeForbidden, http.StatusForbidden},
		{scherr.CodePersistence, http.StatusServiceUnavailable},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.code), tt.code)
	}
}

func TestWriteErrorHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"INTERNAL"`)
	assert.NotContains(t, rec.Body.String(), "unexpected EOF")
}
