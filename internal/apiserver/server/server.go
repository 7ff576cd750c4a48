// Package server Master HTTP 接口
//
// 路由分三类：
//   - 公开：/register、/login、/health、/metrics
//   - 工作节点：请求体中的 worker_id 必须与 token 主体一致
//   - 管理：需要 X-Admin-Token（认证关闭时全部放行）
//
// 文件组织：
//   - server.go: Handler、路由与通用响应
//   - workers.go: 注册、登录、心跳等工作节点接口
//   - tasks.go: 拉取、回报、日志与作业组接口
//   - validate.go: 基于 OpenAPI 文档的请求体校验
//   - websocket.go: 调度事件实时推送
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"angel-master/internal/apiserver/auth"
	"angel-master/internal/apiserver/metrics"
	"angel-master/internal/apiserver/service"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/scherr"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 4 << 20

// Options Handler 依赖
type Options struct {
	Service   service.AbstractService
	Auth      auth.Config
	Bus       eventbus.EventBus   // nil 时不提供 /ws/events
	Metrics   *metrics.Metrics    // 可为 nil
	Validator *Validator          // nil 时跳过请求体校验
}

// Handler HTTP 接口入口
type Handler struct {
	svc       service.AbstractService
	authCfg   auth.Config
	metrics   *metrics.Metrics
	validator *Validator
	gateway   *EventGateway
}

// NewHandler 创建 Handler
func NewHandler(opts Options) *Handler {
	h := &Handler{
		svc:       opts.Service,
		authCfg:   opts.Auth,
		metrics:   opts.Metrics,
		validator: opts.Validator,
	}
	if opts.Bus != nil {
		h.gateway = NewEventGateway(opts.Bus, opts.Metrics)
	}
	return h
}

// Router 返回配置好的 HTTP 路由
//
// 工作节点:
//   - POST /register, /login, /logout, /heartbeat
//   - POST /pull, /pull/next, /task_callback, /logs
//
// 管理:
//   - POST /job_group, GET/DELETE /job_group/{id}
//   - GET /tasks/pending, /tasks/alive, /tasks/{id}/logs
//   - GET /job_groups/alive, /task_groups/alive
//   - GET /workers, /workers/{id}, POST /workers/shutdown
//   - GET /ws/events
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	// 工作节点
	mux.HandleFunc("POST /register", h.Register)
	mux.HandleFunc("POST /login", h.Login)
	mux.HandleFunc("POST /logout", h.Logout)
	mux.HandleFunc("POST /heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /pull", h.PullTasks)
	mux.HandleFunc("POST /pull/next", h.Pull)
	mux.HandleFunc("POST /task_callback", h.TaskCallback)
	mux.HandleFunc("POST /logs", h.AddLog)

	// 管理
	mux.HandleFunc("POST /job_group", auth.AdminOnly(h.ApplyJobGroup))
	mux.HandleFunc("GET /job_group/{id}", auth.AdminOnly(h.GetJobGroup))
	mux.HandleFunc("DELETE /job_group/{id}", auth.AdminOnly(h.DeleteJobGroup))
	mux.HandleFunc("GET /tasks/pending", auth.AdminOnly(h.GetPendingTasks))
	mux.HandleFunc("GET /tasks/alive", auth.AdminOnly(h.GetAliveTasks))
	mux.HandleFunc("GET /tasks/{id}/logs", auth.AdminOnly(h.GetTaskLogs))
	mux.HandleFunc("GET /job_groups/alive", auth.AdminOnly(h.GetAliveJobGroups))
	mux.HandleFunc("GET /task_groups/alive", auth.AdminOnly(h.GetAliveTaskGroups))
	mux.HandleFunc("GET /workers", auth.AdminOnly(h.ListWorkers))
	mux.HandleFunc("GET /workers/{id}", auth.AdminOnly(h.GetWorker))
	mux.HandleFunc("GET /workers/{id}/tasks", auth.AdminOnly(h.GetWorkerTasks))
	mux.HandleFunc("POST /workers/shutdown", auth.AdminOnly(h.ShutdownWorkers))

	var api http.Handler = mux
	if h.validator != nil {
		api = h.validator.Middleware(api)
	}
	api = auth.Middleware(h.authCfg)(api)
	api = h.metrics.Middleware(api)

	// WebSocket 绕过 metrics 中间件
	top := http.NewServeMux()
	if h.gateway != nil {
		top.Handle("GET /ws/events", auth.Middleware(h.authCfg)(auth.AdminOnly(h.gateway.HandleWebSocket)))
	}
	top.Handle("/", api)
	return corsMiddleware(top)
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.AdminTokenHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health 健康检查
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// 通用响应
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusOf 错误码到 HTTP 状态码
func statusOf(code scherr.Code) int {
	switch code {
	case scherr.CodeDuplicateWorker, scherr.CodeOwnershipMismatch,
		scherr.CodeInvalidTransition, scherr.CodeJobGroupActive:
		return http.StatusConflict
	case scherr.CodeUnknownWorker, scherr.CodeNotFound:
		return http.StatusNotFound
	case scherr.CodeInvalidSpec, scherr.CodeInvalidRequest:
		return http.StatusBadRequest
	case scherr.CodeUnauthorized:
		return http.StatusUnauthorized
	case scherr.CodeForbidden:
		return http.StatusForbidden
	case scherr.CodePersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody 错误响应体
func errorBody(err error) map[string]any {
	code := scherr.CodeOf(err)
	msg := err.Error()
	if code == "" {
		code = "INTERNAL"
		msg = "internal error"
	} else {
		var e *scherr.Error
		if errors.As(err, &e) && e.Message != "" {
			msg = e.Message
		}
	}
	return map[string]any{"code": code, "message": msg}
}

// writeError 按错误码写入错误响应
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(scherr.CodeOf(err))
	if status >= http.StatusInternalServerError {
		log.Printf("[http.error] method=%s path=%s status=%d error=%v", r.Method, r.URL.Path, status, err)
	}
	writeJSON(w, status, map[string]any{"error": errorBody(err)})
}

// decode 解析 JSON 请求体
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return scherr.Wrap(scherr.CodeInvalidRequest, err, "invalid request body")
	}
	return nil
}

// authorize 工作节点只能以自己的身份调用
func authorize(r *http.Request, workerID string) error {
	return auth.Authorize(auth.GetIdentity(r.Context()), workerID)
}

type okResponse struct {
	OK bool `json:"ok"`
}
