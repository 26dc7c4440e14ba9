package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/internal/service"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

const metricsNamespace = "mcp_gateway"

// Metrics holds all Prometheus metrics for the gateway.
// It also implements service.GatewayMetrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	RelayedMessages *prometheus.CounterVec
	RelayFailures   prometheus.Counter
	BackendConnects *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"route", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_sessions",
				Help:      "Number of registered sessions",
			},
		),
		RelayedMessages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relayed_messages_total",
				Help:      "Total messages relayed between clients and backends",
			},
			[]string{"direction"},
		),
		RelayFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relay_failures_total",
				Help:      "Total relay send failures that tore down a session",
			},
		),
		BackendConnects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backend_connects_total",
				Help:      "Total backend connection attempts",
			},
			[]string{"transport_type", "result"}, // result=ok/error
		),
	}
}

// MessageRelayed counts one relayed message.
func (m *Metrics) MessageRelayed(dir mcp.Direction) {
	m.RelayedMessages.WithLabelValues(dir.String()).Inc()
}

// RelayFailed counts one failed relay send.
func (m *Metrics) RelayFailed() {
	m.RelayFailures.Inc()
}

// BackendConnected counts one backend connection attempt.
func (m *Metrics) BackendConnected(typ transport.Type, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackendConnects.WithLabelValues(typ.String(), result).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(transport.Type) {
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(transport.Type) {
	m.ActiveSessions.Dec()
}

var _ service.GatewayMetrics = (*Metrics)(nil)
