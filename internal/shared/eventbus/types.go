// Package eventbus 事件总线类型定义
package eventbus

import (
	"encoding/json"
	"time"

	"angel-master/internal/shared/model"
)

// ============================================================================
// Key 和常量
// ============================================================================

const (
	// DefaultStream 调度事件流 Key
	DefaultStream = "angel:scheduler_events"

	// MaxStreamLength Stream 最大长度（近似裁剪）
	MaxStreamLength = 1000

	// subscriberBuffer 订阅通道缓冲
	subscriberBuffer = 100
)

// NewEvent 构造调度事件，data 序列化失败时忽略附加数据
func NewEvent(typ model.EventType, workerID, taskID, jobGroupID string, data any) *model.SchedulerEvent {
	e := &model.SchedulerEvent{
		Type:       typ,
		WorkerID:   workerID,
		TaskID:     taskID,
		JobGroupID: jobGroupID,
		Timestamp:  time.Now(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}
