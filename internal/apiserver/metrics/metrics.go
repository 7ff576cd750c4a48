// Package metrics Prometheus 指标导出
//
// 每个 Metrics 实例拥有独立的 Registry，测试中可并行创建多个实例。
// 所有记录方法对 nil 接收者安全，未启用指标时调用方无需判空。
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"angel-master/internal/shared/model"
)

// Metrics 包含所有 Master 指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 工作节点指标
	WorkersAlive prometheus.Gauge

	// 任务指标
	TasksAssigned       prometheus.Counter
	TasksRequeued       prometheus.Counter
	TasksRetryExhausted prometheus.Counter
	TasksFinished       *prometheus.CounterVec

	// 心跳监视器指标
	SweepDuration prometheus.Histogram
	WorkersDead   prometheus.Counter

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		WorkersAlive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_alive",
				Help:      "Number of live workers",
			},
		),
		TasksAssigned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_assigned_total",
				Help:      "Total tasks assigned to workers",
			},
		),
		TasksRequeued: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_requeued_total",
				Help:      "Total tasks requeued after their holder died",
			},
		),
		TasksRetryExhausted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_retry_exhausted_total",
				Help:      "Total tasks failed after exceeding the retry cap",
			},
		),
		TasksFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total tasks reaching a terminal state",
			},
			[]string{"state"},
		),
		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Heartbeat monitor sweep duration in seconds",
				Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		WorkersDead: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_dead_total",
				Help:      "Total workers declared dead by the heartbeat monitor",
			},
		),
		WSConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
	}
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware 创建 HTTP 指标中间件
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap 供 http.ResponseController 与 WebSocket 升级取得底层连接
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath 规范化路径，将 ID 替换为占位符，避免高基数
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/tasks/") && strings.HasSuffix(path, "/logs"):
		return "/tasks/{id}/logs"
	case strings.HasPrefix(path, "/job_group/"):
		return "/job_group/{id}"
	case strings.HasPrefix(path, "/workers/") && path != "/workers/shutdown":
		return "/workers/{id}"
	default:
		return path
	}
}

// ============================================================================
// 记录方法
// ============================================================================

// SetWorkersAlive 设置存活工作节点数
func (m *Metrics) SetWorkersAlive(n int) {
	if m == nil {
		return
	}
	m.WorkersAlive.Set(float64(n))
}

// RecordAssigned 记录分配的任务数
func (m *Metrics) RecordAssigned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksAssigned.Add(float64(n))
}

// RecordRequeue 记录一次重新入队的结果
func (m *Metrics) RecordRequeue(requeued, exhausted int) {
	if m == nil {
		return
	}
	m.TasksRequeued.Add(float64(requeued))
	m.TasksRetryExhausted.Add(float64(exhausted))
	if exhausted > 0 {
		m.TasksFinished.WithLabelValues(string(model.TaskStateFailed)).Add(float64(exhausted))
	}
}

// RecordFinished 记录任务到达终态
func (m *Metrics) RecordFinished(state model.TaskState) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(string(state)).Inc()
}

// RecordSweep 记录一次心跳扫描
func (m *Metrics) RecordSweep(duration time.Duration, dead int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
	m.WorkersDead.Add(float64(dead))
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Inc()
}

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Dec()
}
