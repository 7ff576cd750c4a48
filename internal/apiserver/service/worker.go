package service

import (
	"context"
	"errors"
	"log"

	"angel-master/internal/apiserver/registry"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
)

// ============================================================================
// 注册 / 登录 / 登出
// ============================================================================

// Register 创建凭据并注册工作节点
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	sess, err := s.sc.Auth.Register(ctx, req.Name, req.Password, req.Params)
	if err != nil {
		return nil, s.check(err)
	}
	h, _, err := s.sc.Registry.Register(ctx, registry.Registration{
		WorkerID: sess.WorkerID,
		Name:     req.Name,
		GroupID:  sess.Params.GroupID,
		Desc:     sess.Params.Desc,
	})
	if err != nil {
		return nil, s.check(err)
	}

	log.Printf("[worker.register] worker_id=%s name=%s group_id=%s", h.ID, h.Name, h.GroupID)
	s.publish(ctx, eventbus.NewEvent(model.EventWorkerRegistered, h.ID, "", "", map[string]string{
		"name":     h.Name,
		"group_id": h.GroupID,
	}))
	return &AuthResult{WorkerID: h.ID, Token: sess.Token, GroupID: h.GroupID}, nil
}

// Login 校验凭据并重新注册
//
// 同一凭据的新会话接管旧会话：旧会话若仍存活则立即宣告死亡，
// 其持有的任务重新入队，随后以同一 worker_id 重新注册。
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	sess, err := s.sc.Auth.Login(ctx, req.Name, req.Password)
	if err != nil {
		return nil, s.check(err)
	}

	if err := s.sc.Registry.Logout(ctx, sess.WorkerID); err != nil && !errors.Is(err, scherr.ErrUnknownWorker) {
		return nil, s.check(err)
	}
	if err := s.requeue(ctx, sess.WorkerID); err != nil {
		return nil, err
	}

	h, reconnected, err := s.sc.Registry.Register(ctx, registry.Registration{
		WorkerID: sess.WorkerID,
		Name:     req.Name,
		GroupID:  sess.Params.GroupID,
		Desc:     sess.Params.Desc,
	})
	if err != nil {
		return nil, s.check(err)
	}

	typ := model.EventWorkerRegistered
	if reconnected {
		typ = model.EventWorkerReconnected
	}
	log.Printf("[worker.login] worker_id=%s name=%s reconnected=%v", h.ID, h.Name, reconnected)
	s.publish(ctx, eventbus.NewEvent(typ, h.ID, "", "", map[string]string{
		"name":     h.Name,
		"group_id": h.GroupID,
	}))
	return &AuthResult{WorkerID: h.ID, Token: sess.Token, GroupID: h.GroupID}, nil
}

// Logout 工作节点主动下线，持有的任务立即重新入队
func (s *Service) Logout(ctx context.Context, workerID string) error {
	if workerID == "" {
		return scherr.New(scherr.CodeInvalidRequest, "worker_id is required")
	}
	if err := s.sc.Registry.Logout(ctx, workerID); err != nil {
		return s.check(err)
	}
	log.Printf("[worker.logout] worker_id=%s", workerID)
	return s.requeue(ctx, workerID)
}

// requeue 回收 workerID 持有的任务并发布事件
func (s *Service) requeue(ctx context.Context, workerID string) error {
	tasks, err := s.sc.Store.RequeueOrphans(ctx, workerID)
	if err != nil {
		return s.check(err)
	}
	if len(tasks) == 0 {
		return nil
	}

	var requeued, exhausted int
	for _, t := range tasks {
		typ := model.EventTaskRequeued
		if t.State == model.TaskStateFailed {
			typ = model.EventTaskRetryExhausted
			exhausted++
		} else {
			requeued++
		}
		s.publish(ctx, eventbus.NewEvent(typ, workerID, t.ID, t.JobGroupID, map[string]int{"retry_count": t.RetryCount}))
	}
	s.sc.Metrics.RecordRequeue(requeued, exhausted)
	log.Printf("[worker.requeue] worker_id=%s requeued=%d retry_exhausted=%d", workerID, requeued, exhausted)
	return nil
}

// ============================================================================
// 心跳
// ============================================================================

// Heartbeat 刷新存活时间与遥测，并下发指令
//
// 未注册或已被宣告死亡返回 UNKNOWN_WORKER，工作节点应重新登录。
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error) {
	if req.WorkerID == "" {
		return nil, scherr.New(scherr.CodeInvalidRequest, "worker_id is required")
	}
	m := req.Metrics
	if m.RunningTasks == 0 && len(req.RunningTasks) > 0 {
		m.RunningTasks = len(req.RunningTasks)
	}

	h, err := s.sc.Registry.Heartbeat(ctx, req.WorkerID, m)
	if err != nil {
		return nil, s.check(err)
	}

	res := &HeartbeatResult{
		OK: true,
		Directives: Directives{
			CancelTasks: []string{},
			Drain:       h.Status == model.WorkerStatusDraining,
		},
	}
	for _, id := range req.RunningTasks {
		t, err := s.sc.Store.GetTask(id)
		if err != nil || !t.IsHeldBy(req.WorkerID) {
			res.Directives.CancelTasks = append(res.Directives.CancelTasks, id)
		}
	}
	if len(res.Directives.CancelTasks) > 0 {
		log.Printf("[worker.heartbeat.cancel] worker_id=%s tasks=%v", req.WorkerID, res.Directives.CancelTasks)
	}
	return res, nil
}

// ShutdownWorkers 通知工作节点排空，返回本次状态发生变化的 ID
func (s *Service) ShutdownWorkers(ctx context.Context, workerIDs []string) ([]string, error) {
	if len(workerIDs) == 0 {
		return nil, scherr.New(scherr.CodeInvalidRequest, "worker_ids is required")
	}
	changed, err := s.sc.Registry.SetDraining(ctx, workerIDs)
	if err != nil {
		return changed, s.check(err)
	}
	for _, id := range changed {
		s.publish(ctx, eventbus.NewEvent(model.EventWorkerDraining, id, "", "", nil))
	}
	log.Printf("[worker.shutdown] requested=%d draining=%d", len(workerIDs), len(changed))
	return changed, nil
}

// ListWorkers groupID 为空时返回全部
func (s *Service) ListWorkers(ctx context.Context, groupID string) []model.WorkerHandle {
	return s.sc.Registry.List(groupID)
}

// GetWorker 单个工作节点
func (s *Service) GetWorker(ctx context.Context, workerID string) (*model.WorkerHandle, error) {
	h, err := s.sc.Registry.Snapshot(workerID)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetWorkerTasks 工作节点当前持有的 assigned/running 任务
func (s *Service) GetWorkerTasks(ctx context.Context, workerID string) ([]model.Task, error) {
	if _, err := s.sc.Registry.Snapshot(workerID); err != nil {
		return nil, err
	}
	return s.sc.Store.TasksHeldBy(workerID), nil
}
