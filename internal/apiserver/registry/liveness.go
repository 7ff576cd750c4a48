package registry

import (
	"sync"
	"time"

	"angel-master/internal/shared/model"
)

// Clock 时间源，测试中用 FakeClock 驱动 TTL 逻辑
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 真实时钟
var SystemClock Clock = systemClock{}

// FakeClock 手动推进的时钟
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建从 start 开始的假时钟
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 向前推进 d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Policy 存活策略：alive ⇔ now - refresh_time < TTL
//
// 存活在读取时惰性计算，不为每个工作节点维护定时器；
// 死亡的批量发现交给心跳监视器的周期扫描。
type Policy struct {
	TTL   time.Duration
	Clock Clock
}

// DefaultTTL 心跳间隔 10s 的三倍
const DefaultTTL = 30 * time.Second

// NewPolicy 创建存活策略，ttl<=0 使用默认值，clock 为 nil 使用系统时钟
func NewPolicy(ttl time.Duration, clock Clock) Policy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = SystemClock
	}
	return Policy{TTL: ttl, Clock: clock}
}

// Now 当前时间
func (p Policy) Now() time.Time {
	return p.Clock.Now()
}

// IsLive 判断工作节点当前是否存活
func (p Policy) IsLive(w *model.Worker) bool {
	return w.IsLive(p.Now(), p.TTL)
}

// Expired 已超过 TTL 但尚未被宣告死亡
func (p Policy) Expired(w *model.Worker) bool {
	return w.Status != model.WorkerStatusDead && !w.IsLive(p.Now(), p.TTL)
}
