// Package eventbus 进程内事件总线实现
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"angel-master/internal/shared/model"
)

// ============================================================================
// MemoryBus - 进程内 EventBus 实现
// ============================================================================

// MemoryBus 保留最近 capacity 条事件，并扇出给所有订阅者
//
// 订阅者消费过慢时丢弃该订阅者的事件，发布方从不阻塞。
type MemoryBus struct {
	mu       sync.RWMutex
	events   []*model.SchedulerEvent
	capacity int
	subs     map[chan *model.SchedulerEvent]struct{}
	closed   bool
}

// NewMemoryBus 创建 MemoryBus 实例，capacity<=0 使用 MaxStreamLength
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = MaxStreamLength
	}
	return &MemoryBus{
		capacity: capacity,
		subs:     make(map[chan *model.SchedulerEvent]struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, event *model.SchedulerEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = append([]*model.SchedulerEvent(nil), b.events[len(b.events)-b.capacity:]...)
	}
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Recent(ctx context.Context, fromID string, count int64) ([]*model.SchedulerEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if fromID != "" {
		for i, e := range b.events {
			if e.ID == fromID {
				start = i + 1
				break
			}
		}
	}
	out := make([]*model.SchedulerEvent, 0, len(b.events)-start)
	for _, e := range b.events[start:] {
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan *model.SchedulerEvent, error) {
	ch := make(chan *model.SchedulerEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

// Close 关闭所有订阅通道
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}

// 确保 MemoryBus 实现了 EventBus 接口
var _ EventBus = (*MemoryBus)(nil)
