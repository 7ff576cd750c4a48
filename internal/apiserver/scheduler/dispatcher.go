// Package scheduler 拉取式调度核心
//
// 调度由工作节点驱动：工作节点调用 PullTasks，Dispatcher 在任务存储上
// 原子领取；不存在全局规划，也不存在推送。
//
//   - Dispatcher：容量计算 + 逐个 ClaimNext
//   - Monitor：周期扫描超时工作节点，宣告死亡并回收其任务
package scheduler

import (
	"context"
	"log"

	"angel-master/internal/apiserver/metrics"
	"angel-master/internal/apiserver/registry"
	"angel-master/internal/apiserver/taskstore"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/model"
)

// Dispatcher 任务分发器
type Dispatcher struct {
	config   *Config
	registry *registry.Registry
	store    *taskstore.Store
	bus      eventbus.EventBus
	metrics  *metrics.Metrics
}

// NewDispatcher 创建分发器，bus 与 m 可为 nil
func NewDispatcher(cfg *Config, reg *registry.Registry, store *taskstore.Store, bus eventbus.EventBus, m *metrics.Metrics) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Validate()
	return &Dispatcher{
		config:   cfg,
		registry: reg,
		store:    store,
		bus:      bus,
		metrics:  m,
	}
}

// Capacity 工作节点本次最多还能领取的任务数
//
// 已持有数取工作节点自报与存储记录的较大值；MaxConcurrentPerWorker=0 时只受 want 限制。
func (d *Dispatcher) Capacity(w *model.Worker, want int) int {
	if want <= 0 {
		want = 1
	}
	if want > d.config.Dispatch.MaxPullBatch {
		want = d.config.Dispatch.MaxPullBatch
	}
	limit := d.config.Dispatch.MaxConcurrentPerWorker
	if limit <= 0 {
		return want
	}
	held := w.RunningTasks
	if n := d.store.HeldCount(w.ID); n > held {
		held = n
	}
	free := limit - held
	if free < 0 {
		free = 0
	}
	if want > free {
		return free
	}
	return want
}

// PullTasks 为 workerID 领取至多 maxTasks 个任务
//
// 未注册返回 UNKNOWN_WORKER；排空、死亡或已超时的工作节点得到空列表。
// 遇到第一个"无可领取任务"即停止，部分满足是正常结果。
func (d *Dispatcher) PullTasks(ctx context.Context, workerID string, maxTasks int) ([]model.Task, error) {
	h, err := d.registry.Snapshot(workerID)
	if err != nil {
		return nil, err
	}
	policy := d.registry.Policy()
	if !h.CanClaim(policy.Now(), policy.TTL) {
		return []model.Task{}, nil
	}

	n := d.Capacity(&h.Worker, maxTasks)
	affinity := h.GroupID
	tasks := make([]model.Task, 0, n)
	for i := 0; i < n; i++ {
		t, err := d.store.ClaimNext(ctx, workerID, &affinity)
		if err != nil {
			if len(tasks) > 0 {
				log.Printf("[dispatch.partial] worker_id=%s claimed=%d error=%v", workerID, len(tasks), err)
			}
			d.announce(ctx, workerID, tasks)
			return tasks, err
		}
		if t == nil {
			break
		}
		tasks = append(tasks, *t)
	}

	d.announce(ctx, workerID, tasks)
	return tasks, nil
}

func (d *Dispatcher) announce(ctx context.Context, workerID string, tasks []model.Task) {
	if len(tasks) == 0 {
		return
	}
	d.metrics.RecordAssigned(len(tasks))
	for _, t := range tasks {
		publish(ctx, d.bus, eventbus.NewEvent(model.EventTaskAssigned, workerID, t.ID, t.JobGroupID, nil))
	}
}

// publish 发布事件，失败只记录日志
func publish(ctx context.Context, bus eventbus.EventBus, e *model.SchedulerEvent) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, e); err != nil {
		log.Printf("[scheduler.event.failed] type=%s error=%v", e.Type, err)
	}
}
