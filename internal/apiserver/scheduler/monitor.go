package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"angel-master/internal/apiserver/metrics"
	"angel-master/internal/apiserver/registry"
	"angel-master/internal/apiserver/taskstore"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
)

// SweepResult 一次扫描的结果
type SweepResult struct {
	Dead      []string     // 本次被宣告死亡的工作节点
	Requeued  []model.Task // 重新入队的任务
	Exhausted []model.Task // 重试耗尽而失败的任务
	Purged    []string     // 从注册表清理的工作节点
}

// Monitor 心跳监视器
//
// 周期性扫描超时工作节点：先 MarkDead，只有实际发生状态转换的工作节点
// 才继续 RequeueOrphans，因此重复扫描是幂等的。扫描过程中不持有任何锁，
// 每一步都通过注册表与任务存储的原子接口完成。
type Monitor struct {
	config   *Config
	registry *registry.Registry
	store    *taskstore.Store
	bus      eventbus.EventBus
	metrics  *metrics.Metrics
	onFatal  func(error)

	mu      sync.Mutex // 保护 running 状态
	running bool
	stopCh  chan struct{}
}

// NewMonitor 创建心跳监视器
//
// onFatal 在持久化失败时调用，可为 nil。
func NewMonitor(cfg *Config, reg *registry.Registry, store *taskstore.Store, bus eventbus.EventBus, m *metrics.Metrics, onFatal func(error)) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Validate()
	return &Monitor{
		config:   cfg,
		registry: reg,
		store:    store,
		bus:      bus,
		metrics:  m,
		onFatal:  onFatal,
		stopCh:   make(chan struct{}),
	}
}

// Run 运行扫描循环，直到 ctx 取消或调用 Stop
//
// 启动时立即扫描一次，处理停机期间超时的工作节点。
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Printf("[monitor.start] sweep_interval=%s ttl=%s dead_retention=%s",
		m.config.Monitor.SweepInterval, m.registry.Policy().TTL, m.config.Monitor.DeadRetention)

	m.tick(ctx)

	ticker := time.NewTicker(m.config.Monitor.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[monitor.stop] reason=context_cancelled")
			return
		case <-m.stopCh:
			log.Printf("[monitor.stop] reason=stop_signal")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop 停止扫描循环
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if _, err := m.Sweep(ctx); err != nil {
		log.Printf("[monitor.sweep.failed] error=%v", err)
		if scherr.IsFatal(err) && m.onFatal != nil {
			m.onFatal(err)
		}
	}
}

// Sweep 执行一次扫描
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult

	for _, id := range m.registry.ListExpired() {
		changed, err := m.registry.MarkDead(ctx, id)
		if err != nil {
			if scherr.IsFatal(err) {
				return res, err
			}
			// 扫描与标记之间被清理或重新注册
			continue
		}
		if !changed {
			continue
		}
		res.Dead = append(res.Dead, id)

		tasks, err := m.store.RequeueOrphans(ctx, id)
		if err != nil {
			return res, err
		}
		requeued, exhausted := splitRequeued(tasks)
		res.Requeued = append(res.Requeued, requeued...)
		res.Exhausted = append(res.Exhausted, exhausted...)

		log.Printf("[monitor.worker.dead] worker_id=%s requeued=%d retry_exhausted=%d",
			id, len(requeued), len(exhausted))
		m.announceDeath(ctx, id, requeued, exhausted)
	}

	// 上次回收中途失败或恢复后残留：持有者已死亡或已不在注册表中
	for _, id := range m.store.Holders() {
		h, err := m.registry.Snapshot(id)
		if err == nil && h.Status != model.WorkerStatusDead {
			continue
		}
		tasks, err := m.store.RequeueOrphans(ctx, id)
		if err != nil {
			return res, err
		}
		requeued, exhausted := splitRequeued(tasks)
		res.Requeued = append(res.Requeued, requeued...)
		res.Exhausted = append(res.Exhausted, exhausted...)
		log.Printf("[monitor.orphans.reclaimed] worker_id=%s requeued=%d retry_exhausted=%d",
			id, len(requeued), len(exhausted))
		m.metrics.RecordRequeue(len(requeued), len(exhausted))
	}

	purged, err := m.registry.Purge(ctx, m.config.Monitor.DeadRetention)
	res.Purged = purged
	if len(purged) > 0 {
		log.Printf("[monitor.purge] workers=%v", purged)
	}

	m.metrics.SetWorkersAlive(len(m.registry.ListAlive("")))
	m.metrics.RecordSweep(time.Since(start), len(res.Dead))
	return res, err
}

func splitRequeued(tasks []model.Task) (requeued, exhausted []model.Task) {
	for _, t := range tasks {
		if t.State == model.TaskStateFailed {
			exhausted = append(exhausted, t)
		} else {
			requeued = append(requeued, t)
		}
	}
	return requeued, exhausted
}

func (m *Monitor) announceDeath(ctx context.Context, workerID string, requeued, exhausted []model.Task) {
	m.metrics.RecordRequeue(len(requeued), len(exhausted))
	publish(ctx, m.bus, eventbus.NewEvent(model.EventWorkerDead, workerID, "", "", map[string]int{
		"requeued":        len(requeued),
		"retry_exhausted": len(exhausted),
	}))
	for _, t := range requeued {
		publish(ctx, m.bus, eventbus.NewEvent(model.EventTaskRequeued, workerID, t.ID, t.JobGroupID,
			map[string]int{"retry_count": t.RetryCount}))
	}
	for _, t := range exhausted {
		publish(ctx, m.bus, eventbus.NewEvent(model.EventTaskRetryExhausted, workerID, t.ID, t.JobGroupID,
			map[string]int{"retry_count": t.RetryCount}))
	}
}
