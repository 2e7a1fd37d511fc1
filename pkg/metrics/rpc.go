package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/authority/rpc"
)

// rpcMetrics is the Prometheus implementation of rpc.Metrics.
type rpcMetrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConnections prometheus.Gauge
}

// NewRPCMetrics creates a Prometheus-backed rpc.Metrics for the authority
// server.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewRPCMetrics() rpc.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newRPCMetrics(GetRegistry())
}

func newRPCMetrics(reg prometheus.Registerer) *rpcMetrics {
	return &rpcMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_authority_requests_total",
				Help: "Total number of authority RPC requests by procedure and status code",
			},
			[]string{"procedure", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittosnap_authority_request_duration_seconds",
				Help:    "Duration of authority RPC requests in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"procedure"},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittosnap_authority_active_connections",
				Help: "Current number of open authority client connections",
			},
		),
	}
}

func (m *rpcMetrics) ObserveRequest(proc string, duration time.Duration, code authority.StatusCode) {
	m.requestsTotal.WithLabelValues(proc, code.String()).Inc()
	m.requestDuration.WithLabelValues(proc).Observe(duration.Seconds())
}

func (m *rpcMetrics) SetActiveConnections(n int32) {
	m.activeConnections.Set(float64(n))
}
