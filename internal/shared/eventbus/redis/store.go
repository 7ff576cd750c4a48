// Package redis 基于 Redis Streams 的调度事件总线
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/model"
)

// Store Redis Streams 事件总线
type Store struct {
	client *redis.Client
	stream string
	maxLen int64
	owned  bool
}

// NewStoreFromURL 从 URL 创建事件总线并检查连通性
func NewStoreFromURL(redisURL, stream string, maxLen int64) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/EventBus] Connected to %s stream=%s", opts.Addr, stream)
	s := NewStoreFromClient(client, stream, maxLen)
	s.owned = true
	return s, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建事件总线
func NewStoreFromClient(client *redis.Client, stream string, maxLen int64) *Store {
	if stream == "" {
		stream = eventbus.DefaultStream
	}
	if maxLen <= 0 {
		maxLen = eventbus.MaxStreamLength
	}
	return &Store{client: client, stream: stream, maxLen: maxLen}
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close 关闭由本实例创建的连接
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Publish 发布调度事件
func (s *Store) Publish(ctx context.Context, event *model.SchedulerEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":         string(event.Type),
			"worker_id":    event.WorkerID,
			"task_id":      event.TaskID,
			"job_group_id": event.JobGroupID,
			"timestamp":    event.Timestamp.Format(time.RFC3339Nano),
			"data":         string(event.Data),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.ID = id
	return nil
}

// Recent 按 Stream ID 顺序读取 fromID 之后的事件
func (s *Store) Recent(ctx context.Context, fromID string, count int64) ([]*model.SchedulerEvent, error) {
	start := "-"
	if fromID != "" {
		start = "(" + fromID
	}

	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, s.stream, start, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]*model.SchedulerEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, decode(msg))
	}
	return events, nil
}

// Subscribe 使用 XREAD 阻塞读取新事件
func (s *Store) Subscribe(ctx context.Context) (<-chan *model.SchedulerEvent, error) {
	ch := make(chan *model.SchedulerEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{s.stream, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] Event subscription error: %v", err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decode(msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func decode(msg redis.XMessage) *model.SchedulerEvent {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	event := &model.SchedulerEvent{
		ID:         msg.ID,
		Type:       model.EventType(str("type")),
		WorkerID:   str("worker_id"),
		TaskID:     str("task_id"),
		JobGroupID: str("job_group_id"),
	}
	if ts := str("timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if data := str("data"); data != "" {
		event.Data = []byte(data)
	}
	return event
}

var _ eventbus.EventBus = (*Store)(nil)
