package metrics

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics 网关指标；nil 接收者上的方法为空操作
type GatewayMetrics struct {
	registry *prometheus.Registry

	connections    prometheus.Gauge
	identified     prometheus.Gauge
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	dispatchSent   *prometheus.CounterVec
	sendDropped    prometheus.Counter
}

// NewGatewayMetrics 创建指标并注册到独立的 registry
func NewGatewayMetrics() *GatewayMetrics {
	reg := prometheus.NewRegistry()

	m := &GatewayMetrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Current number of open gateway connections.",
		}),
		identified: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_identified_connections",
			Help: "Current number of connections that completed identify.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_received_total",
			Help: "Inbound frames decoded, by opcode.",
		}, []string{"op"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_dropped_total",
			Help: "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		dispatchSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_sent_total",
			Help: "DISPATCH frames queued to connections, by event.",
		}, []string{"event"}),
		sendDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_send_dropped_total",
			Help: "Outbound frames dropped because a connection buffer was full.",
		}),
	}

	reg.MustRegister(
		m.connections,
		m.identified,
		m.framesReceived,
		m.framesDropped,
		m.dispatchSent,
		m.sendDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler /metrics 处理器
func (m *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDBStats 采集数据库连接池状态
func (m *GatewayMetrics) RegisterDBStats(db *sql.DB, dbName string) {
	if m != nil && db != nil {
		m.registry.MustRegister(collectors.NewDBStatsCollector(db, dbName))
	}
}

// Registry 底层 registry
func (m *GatewayMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *GatewayMetrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *GatewayMetrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *GatewayMetrics) Identified() {
	if m != nil {
		m.identified.Inc()
	}
}

func (m *GatewayMetrics) Released() {
	if m != nil {
		m.identified.Dec()
	}
}

func (m *GatewayMetrics) FrameReceived(op string) {
	if m != nil {
		m.framesReceived.WithLabelValues(op).Inc()
	}
}

func (m *GatewayMetrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *GatewayMetrics) DispatchSent(event string, n int) {
	if m != nil && n > 0 {
		m.dispatchSent.WithLabelValues(event).Add(float64(n))
	}
}

func (m *GatewayMetrics) SendDropped() {
	if m != nil {
		m.sendDropped.Inc()
	}
}
