package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"angel-master/internal/apiserver/metrics"
	"angel-master/internal/shared/eventbus"
	"angel-master/internal/shared/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second

	// defaultBacklog 连接建立时补发的历史事件数
	defaultBacklog = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventGateway 调度事件 WebSocket 推送
type EventGateway struct {
	bus     eventbus.EventBus
	metrics *metrics.Metrics
}

// NewEventGateway 创建事件网关
func NewEventGateway(bus eventbus.EventBus, m *metrics.Metrics) *EventGateway {
	return &EventGateway{bus: bus, metrics: m}
}

// eventFilter 按查询参数过滤事件
type eventFilter struct {
	workerID   string
	jobGroupID string
	typePrefix string
}

func parseFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	return eventFilter{
		workerID:   q.Get("worker_id"),
		jobGroupID: q.Get("job_group_id"),
		typePrefix: q.Get("type"),
	}
}

func (f eventFilter) match(e *model.SchedulerEvent) bool {
	if f.workerID != "" && e.WorkerID != f.workerID {
		return false
	}
	if f.jobGroupID != "" && e.JobGroupID != f.jobGroupID {
		return false
	}
	return f.typePrefix == "" || strings.HasPrefix(string(e.Type), f.typePrefix)
}

// HandleWebSocket 推送调度事件
//
// 路由: GET /ws/events?from=<event_id>&backlog=100&worker_id=&job_group_id=&type=
//
// 连接建立后先补发 from 之后的历史事件（至多 backlog 条），再实时推送。
// type 按前缀匹配，例如 type=task. 只推送任务事件。
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)
	backlog := int64(defaultBacklog)
	if v := r.URL.Query().Get("backlog"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			backlog = n
		}
	}
	from := r.URL.Query().Get("from")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws.upgrade.failed] error=%v", err)
		return
	}
	g.metrics.WSConnectionOpened()
	defer g.metrics.WSConnectionClosed()
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 先订阅再补发，补发过的事件不再重复推送
	events, err := g.bus.Subscribe(ctx)
	if err != nil {
		log.Printf("[ws.subscribe.failed] error=%v", err)
		return
	}
	sent := make(map[string]struct{})
	if backlog > 0 {
		recent, err := g.bus.Recent(ctx, from, 0)
		if err != nil {
			log.Printf("[ws.backlog.failed] error=%v", err)
		}
		if int64(len(recent)) > backlog {
			recent = recent[int64(len(recent))-backlog:]
		}
		for _, e := range recent {
			if !filter.match(e) {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
			sent[e.ID] = struct{}{}
		}
	}

	log.Printf("[ws.connected] remote=%s backlog=%d", r.RemoteAddr, len(sent))
	go readPump(conn, cancel)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[ws.disconnected] remote=%s", r.RemoteAddr)
			return
		case e, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if _, dup := sent[e.ID]; dup {
				delete(sent, e.ID)
				continue
			}
			if !filter.match(e) {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e *model.SchedulerEvent) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(e); err != nil {
		log.Printf("[ws.write.failed] event_id=%s error=%v", e.ID, err)
		return err
	}
	return nil
}

// readPump 只处理控制帧，连接断开时取消推送
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws.read.failed] error=%v", err)
			}
			return
		}
	}
}
