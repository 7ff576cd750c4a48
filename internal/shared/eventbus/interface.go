// Package eventbus 调度事件总线抽象接口
//
// 提供调度事件的发布、回放与订阅能力：
//   - MemoryBus：进程内实现，保留最近事件并扇出给订阅者（默认）
//   - redis.Store：Redis Streams 实现，事件可被外部消费者回放
package eventbus

import (
	"context"

	"angel-master/internal/shared/model"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// EventBus 调度事件总线
//
// 发布失败不影响调度结果，调用方只记录日志。
type EventBus interface {
	// Publish 发布事件，ID 与 Timestamp 为空时由实现补齐
	Publish(ctx context.Context, event *model.SchedulerEvent) error
	// Recent 从 fromID 之后按顺序返回至多 count 条事件，fromID 为空表示从头开始
	Recent(ctx context.Context, fromID string, count int64) ([]*model.SchedulerEvent, error)
	// Subscribe 订阅新事件，ctx 取消后通道关闭
	Subscribe(ctx context.Context) (<-chan *model.SchedulerEvent, error)
	Close() error
}
