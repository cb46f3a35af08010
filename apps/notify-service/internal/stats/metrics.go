package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics Prometheus 指标，使用独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	// ConnectionEvents 连接事件数，标签 type
	ConnectionEvents *prometheus.CounterVec
	// MessageEvents 消息事件数，标签 type、priority
	MessageEvents *prometheus.CounterVec
	// SendLatency 单连接发送耗时（秒）
	SendLatency prometheus.Histogram
	// ConnectionDuration 连接存活时长（秒）
	ConnectionDuration prometheus.Histogram
	// SinkDropped 订阅者缓冲满被丢弃的事件数，标签 sink
	SinkDropped *prometheus.CounterVec
}

// NewMetrics 创建并注册指标；gauges 提供实时的连接数、在线用户数和队列深度
func NewMetrics(activeConnections, onlineUsers, queueDepth func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		ConnectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_connection_events_total",
			Help: "Connection lifecycle events by type",
		}, []string{"type"}),
		MessageEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_message_events_total",
			Help: "Message delivery events by type and priority",
		}, []string{"type", "priority"}),
		SendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notify_send_latency_seconds",
			Help:    "Latency of a single transport send",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notify_connection_duration_seconds",
			Help:    "Lifetime of closed connections",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400},
		}),
		SinkDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_event_sink_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		}, []string{"sink"}),
	}

	if activeConnections != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "notify_active_connections",
			Help: "Currently registered connections",
		}, activeConnections)
	}
	if onlineUsers != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "notify_online_users",
			Help: "Users with at least one registered connection",
		}, onlineUsers)
	}
	if queueDepth != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "notify_retry_queue_depth",
			Help: "Envelopes waiting in the retry queue",
		}, queueDepth)
	}
	return m
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
