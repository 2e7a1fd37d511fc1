package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittosnap/pkg/proxy"
)

// proxyMetrics is the Prometheus implementation of proxy.Metrics.
//
// This implementation collects metrics about the snapshot proxy including:
//   - Operation counts and latency (write, read_snapshot, create, ...)
//   - COW decisions (preserved vs. passed through)
//   - Blocks re-fetched because a write preserved them during a read
//   - Blocks restored by rollbacks
//   - Bytes written and read
type proxyMetrics struct {
	volume            string
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cowDecisions      *prometheus.CounterVec
	reconciledBlocks  *prometheus.CounterVec
	rollbackBlocks    *prometheus.CounterVec
	bytesTransferred  *prometheus.CounterVec
}

// NewProxyMetrics creates a Prometheus-backed proxy.Metrics for one volume.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewProxyMetrics(volume string) proxy.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newProxyMetrics(GetRegistry(), volume)
}

func newProxyMetrics(reg prometheus.Registerer, volume string) *proxyMetrics {
	return &proxyMetrics{
		volume: volume,
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_proxy_operations_total",
				Help: "Total number of proxy operations by volume, operation and status",
			},
			[]string{"volume", "operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittosnap_proxy_operation_duration_seconds",
				Help:    "Duration of proxy operations in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"volume", "operation"},
		),
		cowDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_proxy_cow_decisions_total",
				Help: "COW queries answered, by whether the block had to be preserved",
			},
			[]string{"volume", "decision"},
		),
		reconciledBlocks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_proxy_read_reconciled_blocks_total",
				Help: "Blocks preserved by a concurrent write while a snapshot read was in progress",
			},
			[]string{"volume"},
		),
		rollbackBlocks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_proxy_rollback_blocks_total",
				Help: "Blocks restored by rollbacks",
			},
			[]string{"volume"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_proxy_bytes_total",
				Help: "Bytes written to the volume and read from snapshots",
			},
			[]string{"volume", "operation"},
		),
	}
}

func (m *proxyMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues(m.volume, operation, statusLabel(err)).Inc()
	m.operationDuration.WithLabelValues(m.volume, operation).Observe(duration.Seconds())
}

func (m *proxyMetrics) RecordCowDecision(preserve bool) {
	decision := "passthrough"
	if preserve {
		decision = "preserve"
	}
	m.cowDecisions.WithLabelValues(m.volume, decision).Inc()
}

func (m *proxyMetrics) RecordReconciledBlocks(n int) {
	m.reconciledBlocks.WithLabelValues(m.volume).Add(float64(n))
}

func (m *proxyMetrics) RecordRollbackBlocks(n int) {
	m.rollbackBlocks.WithLabelValues(m.volume).Add(float64(n))
}

func (m *proxyMetrics) RecordBytes(operation string, n int) {
	m.bytesTransferred.WithLabelValues(m.volume, operation).Add(float64(n))
}
