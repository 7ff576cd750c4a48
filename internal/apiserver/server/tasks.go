package server

import (
	"log"
	"net/http"
	"strconv"

	"angel-master/internal/apiserver/service"
	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
)

// ============================================================================
// 拉取
// ============================================================================

type pullRequest struct {
	WorkerID string `json:"worker_id"`
	MaxTasks int    `json:"max_tasks"`
}

// PullTasks 批量领取任务
//
// 路由: POST /pull
//
// 批量领取中途持久化失败时，已领取的任务仍然返回，同时附带 error。
func (h *Handler) PullTasks(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := authorize(r, req.WorkerID); err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := h.svc.PullTasks(r.Context(), req.WorkerID, req.MaxTasks)
	if err != nil && len(tasks) == 0 {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	resp := map[string]any{"tasks": tasks}
	if err != nil {
		log.Printf("[http.pull.partial] worker_id=%s claimed=%d error=%v", req.WorkerID, len(tasks), err)
		resp["error"] = errorBody(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Pull 领取一个任务
//
// 路由: POST /pull/next
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	var req workerRef
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := authorize(r, req.WorkerID); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := h.svc.Pull(r.Context(), req.WorkerID)
	if err != nil && task == nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// ============================================================================
// 回报 / 日志
// ============================================================================

// TaskCallback 任务状态回报
//
// 路由: POST /task_callback
func (h *Handler) TaskCallback(w http.ResponseWriter, r *http.Request) {
	var req service.CallbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := authorize(r, req.WorkerID); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.svc.TaskCallback(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// AddLog 上报任务日志
//
// 路由: POST /logs
func (h *Handler) AddLog(w http.ResponseWriter, r *http.Request) {
	var req service.LogRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := authorize(r, req.WorkerID); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.svc.AddLog(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// GetTaskLogs 任务日志
//
// 路由: GET /tasks/{id}/logs
func (h *Handler) GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.GetTaskLogs(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// ============================================================================
// 作业组
// ============================================================================

// ApplyJobGroup 提交作业组
//
// 路由: POST /job_group
func (h *Handler) ApplyJobGroup(w http.ResponseWriter, r *http.Request) {
	var spec model.JobGroupSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	jg, err := h.svc.ApplyJobGroup(r.Context(), &spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_group_id": jg.ID,
		"total_count":  jg.TotalCount,
	})
}

// GetJobGroup 作业组详情
//
// 路由: GET /job_group/{id}
func (h *Handler) GetJobGroup(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetJobGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// DeleteJobGroup 删除作业组
//
// 路由: DELETE /job_group/{id}?cascade=true
func (h *Handler) DeleteJobGroup(w http.ResponseWriter, r *http.Request) {
	cascade := false
	if v := r.URL.Query().Get("cascade"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, scherr.New(scherr.CodeInvalidRequest, "cascade must be a boolean, got %q", v))
			return
		}
		cascade = b
	}
	if err := h.svc.DeleteJobGroup(r.Context(), r.PathValue("id"), cascade); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// ============================================================================
// 查询
// ============================================================================

// GetPendingTasks 路由: GET /tasks/pending
func (h *Handler) GetPendingTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.svc.GetPendingTasks(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// GetAliveTasks 路由: GET /tasks/alive
func (h *Handler) GetAliveTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.svc.GetAliveTasks(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// GetAliveJobGroups 路由: GET /job_groups/alive
func (h *Handler) GetAliveJobGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.svc.GetAliveJobGroups(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"job_groups": groups, "count": len(groups)})
}

// GetAliveTaskGroups 路由: GET /task_groups/alive
func (h *Handler) GetAliveTaskGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.svc.GetAliveTaskGroups(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"task_groups": groups, "count": len(groups)})
}
