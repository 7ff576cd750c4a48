// Package service Master 对外能力集合
//
// AbstractService 声明 Master 的全部操作及其错误契约；Service 通过
// SchedulerContext 组合注册表、任务存储、分发器、监视器与认证器实现它。
// HTTP 层（server 包）只依赖 AbstractService。
//
// 错误约定：所有操作返回 *scherr.Error；PERSISTENCE 错误额外触发 OnFatal。
package service

import (
	"context"
	"log"
	"sync"
	"time"

	"angel-master/internal/apiserver/auth"
	"angel-master/internal/apiserver/metrics"
	"angel-master/internal/apiserver/registry"
	"angel-master/internal/apiserver/scheduler"
	"angel-master/internal/apiserver/taskstore"
	"angel-master/internal/config"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/model"
	"angel-master/internal/shared/objstore"
	"angel-master/internal/shared/scherr"
	"angel-master/internal/shared/storage"
	"angel-master/pkg/logging"
)

// AbstractService Master 能力集合
type AbstractService interface {
	// 工作节点生命周期
	Register(ctx context.Context, req RegisterRequest) (*AuthResult, error)
	Login(ctx context.Context, req LoginRequest) (*AuthResult, error)
	Logout(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error)

	// 任务拉取与回报
	PullTasks(ctx context.Context, workerID string, maxTasks int) ([]model.Task, error)
	Pull(ctx context.Context, workerID string) (*model.Task, error)
	TaskCallback(ctx context.Context, req CallbackRequest) (*model.Task, error)
	AddLog(ctx context.Context, req LogRequest) (*model.LogEntry, error)

	// 作业管理
	ApplyJobGroup(ctx context.Context, spec *model.JobGroupSpec) (*model.JobGroup, error)
	DeleteJobGroup(ctx context.Context, id string, cascade bool) error
	ShutdownWorkers(ctx context.Context, workerIDs []string) ([]string, error)

	// 查询
	GetJobGroup(ctx context.Context, id string) (*taskstore.JobGroupDetail, error)
	GetPendingTasks(ctx context.Context) []model.Task
	GetAliveTasks(ctx context.Context) []model.Task
	GetAliveJobGroups(ctx context.Context) []model.JobGroup
	GetAliveTaskGroups(ctx context.Context) []model.TaskGroup
	ListWorkers(ctx context.Context, groupID string) []model.WorkerHandle
	GetWorker(ctx context.Context, workerID string) (*model.WorkerHandle, error)
	GetWorkerTasks(ctx context.Context, workerID string) ([]model.Task, error)
	GetTaskLogs(ctx context.Context, taskID string) ([]*model.LogEntry, error)
}

// ============================================================================
// SchedulerContext
// ============================================================================

// SchedulerContext 启动时构造一次的全部调度组件
type SchedulerContext struct {
	Config     *config.Config
	Registry   *registry.Registry
	Store      *taskstore.Store
	Dispatcher *scheduler.Dispatcher
	Monitor    *scheduler.Monitor
	Auth       *auth.Authenticator
	Bus        eventbus.EventBus
	Logs       storage.LogStore
	Archive    objstore.LogArchive // nil 时不归档
	Metrics    *metrics.Metrics
}

// Deps 构造 Service 所需的外部依赖
type Deps struct {
	Config  *config.Config
	Persist storage.PersistentStore
	Bus     eventbus.EventBus   // nil 时使用进程内总线
	Archive objstore.LogArchive // 可为 nil
	Metrics *metrics.Metrics    // 可为 nil
	Clock   registry.Clock      // nil 时使用系统时钟
	Logger  *logging.Logger

	// OnFatal 持久化层不可达时调用
	OnFatal func(error)
}

// Service AbstractService 的实现
type Service struct {
	sc      *SchedulerContext
	logger  *logging.Logger
	onFatal func(error)

	archiving sync.WaitGroup
}

var _ AbstractService = (*Service)(nil)

// New 按配置组装调度组件
func New(d Deps) *Service {
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Validate()
	if d.Persist == nil {
		d.Persist = storage.NewNoOpStore()
	}
	if d.Bus == nil {
		d.Bus = eventbus.NewMemoryBus(0)
	}
	if d.Clock == nil {
		d.Clock = registry.SystemClock
	}
	if d.Logger == nil {
		d.Logger = logging.Default("service")
	}

	s := &Service{logger: d.Logger, onFatal: d.OnFatal}

	policy := registry.NewPolicy(cfg.Scheduler.TTL, d.Clock)
	reg := registry.New(d.Persist, policy, d.Logger)
	store := taskstore.New(d.Persist, taskstore.Options{
		MaxRetries:     taskstore.RetryLimit(cfg.Scheduler.MaxRetries),
		Clock:          d.Clock,
		Logger:         d.Logger,
		OnJobGroupDone: s.onJobGroupDone,
	})
	schedCfg := scheduler.FromSettings(cfg.Scheduler)

	s.sc = &SchedulerContext{
		Config:     cfg,
		Registry:   reg,
		Store:      store,
		Dispatcher: scheduler.NewDispatcher(schedCfg, reg, store, d.Bus, d.Metrics),
		Monitor:    scheduler.NewMonitor(schedCfg, reg, store, d.Bus, d.Metrics, s.fatal),
		Auth:       auth.NewAuthenticator(d.Persist, auth.FromSettings(cfg.Auth)),
		Bus:        d.Bus,
		Logs:       d.Persist,
		Archive:    d.Archive,
		Metrics:    d.Metrics,
	}
	return s
}

// Context 调度组件
func (s *Service) Context() *SchedulerContext {
	return s.sc
}

// Restore 从持久化层恢复注册表与任务存储
func (s *Service) Restore(ctx context.Context) error {
	workers, err := s.sc.Registry.Restore(ctx)
	if err != nil {
		return s.check(err)
	}
	tasks, err := s.sc.Store.Restore(ctx)
	if err != nil {
		return s.check(err)
	}
	log.Printf("[service.restore] workers=%d tasks=%d", workers, tasks)
	return nil
}

// Run 运行心跳监视器，阻塞直到 ctx 取消
func (s *Service) Run(ctx context.Context) {
	s.sc.Monitor.Run(ctx)
}

// Close 停止监视器并等待进行中的日志归档
func (s *Service) Close() {
	s.sc.Monitor.Stop()
	s.archiving.Wait()
}

// fatal 持久化层不可达
func (s *Service) fatal(err error) {
	log.Printf("[service.fatal] error=%v", err)
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

// check 致命错误触发 OnFatal，原样返回 err
func (s *Service) check(err error) error {
	if err != nil && scherr.IsFatal(err) {
		s.fatal(err)
	}
	return err
}

// publish 发布事件，失败只记录日志
func (s *Service) publish(ctx context.Context, e *model.SchedulerEvent) {
	if err := s.sc.Bus.Publish(ctx, e); err != nil {
		log.Printf("[service.event.failed] type=%s error=%v", e.Type, err)
	}
}

// now 与注册表共用的时钟
func (s *Service) now() time.Time {
	return s.sc.Registry.Policy().Now()
}
