package server

import (
	"net/http"

	"angel-master/internal/apiserver/service"
)

// ============================================================================
// 注册 / 登录
// ============================================================================

// Register 注册工作节点
//
// 路由: POST /register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Login 登录，接管同一凭据的旧会话
//
// 路由: POST /login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type workerRef struct {
	WorkerID string `json:"worker_id"`
}

// Logout 主动下线
//
// 路由: POST /logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req workerRef
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := authorize(r, req.WorkerID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Logout(r.Context(), req.WorkerID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Heartbeat 心跳
//
// 路由: POST /heartbeat
//
// 响应中的 directives.cancel_tasks 列出工作节点应停止执行的任务，
// directives.drain 为 true 时工作节点应停止拉取新任务。
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req service.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := authorize(r, req.WorkerID); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Heartbeat(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ============================================================================
// 管理
// ============================================================================

// ListWorkers 工作节点列表
//
// 路由: GET /workers?group_id=
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.svc.ListWorkers(r.Context(), r.URL.Query().Get("group_id"))
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

// GetWorker 工作节点快照
//
// 路由: GET /workers/{id}
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.svc.GetWorker(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// GetWorkerTasks 路由: GET /workers/{id}/tasks
func (h *Handler) GetWorkerTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.GetWorkerTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

type shutdownRequest struct {
	WorkerIDs []string `json:"worker_ids"`
}

// ShutdownWorkers 通知工作节点排空
//
// 路由: POST /workers/shutdown
func (h *Handler) ShutdownWorkers(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	changed, err := h.svc.ShutdownWorkers(r.Context(), req.WorkerIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"draining": changed})
}
