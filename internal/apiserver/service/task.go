package service

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"angel-master/internal/apiserver/taskstore"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
)

// archiveTimeout 单个作业组日志归档的超时
const archiveTimeout = 2 * time.Minute

// ============================================================================
// 拉取
// ============================================================================

// PullTasks 为工作节点领取至多 maxTasks 个任务，没有可领取任务时返回空列表
func (s *Service) PullTasks(ctx context.Context, workerID string, maxTasks int) ([]model.Task, error) {
	if workerID == "" {
		return nil, scherr.New(scherr.CodeInvalidRequest, "worker_id is required")
	}
	if maxTasks < 0 {
		return nil, scherr.New(scherr.CodeInvalidRequest, "max_tasks must not be negative")
	}
	tasks, err := s.sc.Dispatcher.PullTasks(ctx, workerID, maxTasks)
	return tasks, s.check(err)
}

// Pull 领取至多一个任务，没有可领取任务时返回 nil
func (s *Service) Pull(ctx context.Context, workerID string) (*model.Task, error) {
	tasks, err := s.PullTasks(ctx, workerID, 1)
	if err != nil && len(tasks) == 0 {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], err
}

// ============================================================================
// 回报
// ============================================================================

var stateEvents = map[model.TaskState]model.EventType{
	model.TaskStateRunning: model.EventTaskRunning,
	model.TaskStateDone:    model.EventTaskDone,
	model.TaskStateFailed:  model.EventTaskFailed,
}

// TaskCallback 持有者回报任务状态
//
// 合法目标状态为 running、done、failed。重复的终态回报返回 INVALID_TRANSITION，
// 计数不会重复累加。
func (s *Service) TaskCallback(ctx context.Context, req CallbackRequest) (*model.Task, error) {
	if req.TaskID == "" || req.WorkerID == "" {
		return nil, scherr.New(scherr.CodeInvalidRequest, "task_id and worker_id are required")
	}
	typ, ok := stateEvents[req.State]
	if !ok {
		return nil, scherr.New(scherr.CodeInvalidRequest, "state must be running, done or failed, got %q", req.State)
	}

	t, err := s.sc.Store.Report(ctx, req.TaskID, req.WorkerID, req.State, req.ExitState, req.DoneTime)
	if err != nil {
		return nil, s.check(err)
	}

	data := map[string]any{}
	if t.ExitState != nil {
		data["exit_state"] = *t.ExitState
	}
	if t.State.IsTerminal() {
		data["runtime_ms"] = t.Runtime().Milliseconds()
		s.sc.Metrics.RecordFinished(t.State)
	}
	s.publish(ctx, eventbus.NewEvent(typ, req.WorkerID, t.ID, t.JobGroupID, data))
	return t, nil
}

// ============================================================================
// 日志
// ============================================================================

// AddLog 保存一条任务日志并发布 log 事件
func (s *Service) AddLog(ctx context.Context, req LogRequest) (*model.LogEntry, error) {
	if req.TaskID == "" || req.WorkerID == "" {
		return nil, scherr.New(scherr.CodeInvalidRequest, "task_id and worker_id are required")
	}
	switch req.Level {
	case "":
		req.Level = model.LogLevelInfo
	case model.LogLevelDebug, model.LogLevelInfo, model.LogLevelWarn, model.LogLevelError:
	default:
		return nil, scherr.New(scherr.CodeInvalidRequest, "unknown log level %q", req.Level)
	}
	t, err := s.sc.Store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}

	entry := &model.LogEntry{
		ID:        uuid.New().String(),
		TaskID:    req.TaskID,
		WorkerID:  req.WorkerID,
		Level:     req.Level,
		Content:   req.Content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.sc.Logs.AppendLog(ctx, entry); err != nil {
		return nil, s.check(scherr.Persistence(err, "append log "+req.TaskID))
	}

	s.publish(ctx, eventbus.NewEvent(model.EventLog, req.WorkerID, req.TaskID, t.JobGroupID, map[string]string{
		"level":   string(entry.Level),
		"content": entry.Content,
	}))
	return entry, nil
}

// GetTaskLogs 任务日志，存储中没有时回退到归档
func (s *Service) GetTaskLogs(ctx context.Context, taskID string) ([]*model.LogEntry, error) {
	if taskID == "" {
		return nil, scherr.New(scherr.CodeInvalidRequest, "task_id is required")
	}
	logs, err := s.sc.Logs.ListLogs(ctx, taskID)
	if err != nil {
		return nil, s.check(scherr.Persistence(err, "list logs "+taskID))
	}
	if len(logs) > 0 || s.sc.Archive == nil {
		if logs == nil {
			logs = []*model.LogEntry{}
		}
		return logs, nil
	}

	t, err := s.sc.Store.GetTask(taskID)
	if err != nil {
		return []*model.LogEntry{}, nil
	}
	archived, err := s.sc.Archive.Get(ctx, t.JobGroupID, taskID)
	if err != nil {
		log.Printf("[logs.archive.read.failed] task_id=%s error=%v", taskID, err)
		return []*model.LogEntry{}, nil
	}
	return archived, nil
}

// onJobGroupDone 作业组结束：发布事件并异步归档日志
func (s *Service) onJobGroupDone(jg model.JobGroup) {
	log.Printf("[jobgroup.completed] job_group_id=%s done=%d failed=%d", jg.ID, jg.DoneCount, jg.FailedCount)
	s.publish(context.Background(), eventbus.NewEvent(model.EventJobGroupCompleted, "", "", jg.ID, map[string]int{
		"done_count":   jg.DoneCount,
		"failed_count": jg.FailedCount,
		"total_count":  jg.TotalCount,
	}))
	if s.sc == nil || s.sc.Archive == nil {
		return
	}

	tasks, err := s.sc.Store.TasksOf(jg.ID)
	if err != nil {
		return
	}
	s.archiving.Add(1)
	go func() {
		defer s.archiving.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		s.archive(ctx, jg.ID, tasks)
	}()
}

func (s *Service) archive(ctx context.Context, jobGroupID string, tasks []model.Task) {
	var archived int
	var failed []string
	for _, t := range tasks {
		logs, err := s.sc.Logs.ListLogs(ctx, t.ID)
		if err != nil || len(logs) == 0 {
			continue
		}
		if err := s.sc.Archive.Put(ctx, jobGroupID, t.ID, logs); err != nil {
			failed = append(failed, t.ID)
			continue
		}
		archived++
	}
	if len(failed) > 0 {
		log.Printf("[logs.archive.failed] job_group_id=%s tasks=%s", jobGroupID, strings.Join(failed, ","))
	}
	log.Printf("[logs.archive] job_group_id=%s archived=%d", jobGroupID, archived)
}

// ============================================================================
// 作业组
// ============================================================================

// ApplyJobGroup 提交作业组
func (s *Service) ApplyJobGroup(ctx context.Context, spec *model.JobGroupSpec) (*model.JobGroup, error) {
	jg, err := s.sc.Store.SubmitJobGroup(ctx, spec)
	if err != nil {
		return nil, s.check(err)
	}
	log.Printf("[jobgroup.submit] job_group_id=%s task_groups=%d tasks=%d", jg.ID, len(jg.TaskGroupIDs), jg.TotalCount)
	s.publish(ctx, eventbus.NewEvent(model.EventJobGroupSubmitted, "", "", jg.ID, map[string]int{
		"task_groups": len(jg.TaskGroupIDs),
		"tasks":       jg.TotalCount,
	}))
	return jg, nil
}

// DeleteJobGroup 删除作业组，cascade=true 时先取消全部非终态任务
func (s *Service) DeleteJobGroup(ctx context.Context, id string, cascade bool) error {
	if id == "" {
		return scherr.New(scherr.CodeInvalidRequest, "job_group_id is required")
	}
	if err := s.sc.Store.DeleteJobGroup(ctx, id, cascade); err != nil {
		return s.check(err)
	}
	log.Printf("[jobgroup.delete] job_group_id=%s cascade=%v", id, cascade)
	s.publish(ctx, eventbus.NewEvent(model.EventJobGroupDeleted, "", "", id, map[string]bool{"cascade": cascade}))
	return nil
}

// GetJobGroup 作业组详情
func (s *Service) GetJobGroup(ctx context.Context, id string) (*taskstore.JobGroupDetail, error) {
	return s.sc.Store.GetJobGroup(id)
}

// GetPendingTasks 全部 pending 任务
func (s *Service) GetPendingTasks(ctx context.Context) []model.Task {
	return s.sc.Store.PendingTasks()
}

// GetAliveTasks 全部 assigned/running 任务
func (s *Service) GetAliveTasks(ctx context.Context) []model.Task {
	return s.sc.Store.AliveTasks()
}

// GetAliveJobGroups 仍有非终态任务的作业组
func (s *Service) GetAliveJobGroups(ctx context.Context) []model.JobGroup {
	return s.sc.Store.AliveJobGroups()
}

// GetAliveTaskGroups 仍为 active 的任务组
func (s *Service) GetAliveTaskGroups(ctx context.Context) []model.TaskGroup {
	return s.sc.Store.AliveTaskGroups()
}
