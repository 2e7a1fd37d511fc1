package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittosnap/pkg/store/block"
)

// storeMetrics is the Prometheus implementation of block.Metrics.
//
// It collects, per backend:
//   - Operation counts by operation and status
//   - Operation latency
//   - Bytes moved by direction
type storeMetrics struct {
	backend           string
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

// NewStoreMetrics creates a Prometheus-backed block.Metrics for the named
// preservation store backend ("memory", "filesystem", "s3").
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes the store to use its built-in no-op implementation.
func NewStoreMetrics(backend string) block.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newStoreMetrics(GetRegistry(), backend)
}

func newStoreMetrics(reg prometheus.Registerer, backend string) *storeMetrics {
	return &storeMetrics{
		backend: backend,
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_store_operations_total",
				Help: "Total number of preservation store operations by backend, operation and status",
			},
			[]string{"backend", "operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittosnap_store_operation_duration_seconds",
				Help:    "Duration of preservation store operations in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"backend", "operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_store_bytes_transferred_total",
				Help: "Total bytes moved to and from the preservation store",
			},
			[]string{"backend", "direction"}, // read or write
		),
	}
}

// ObserveOperation implements block.Metrics.ObserveOperation
func (m *storeMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues(m.backend, operation, statusLabel(err)).Inc()
	m.operationDuration.WithLabelValues(m.backend, operation).Observe(duration.Seconds())
}

// RecordBytes implements block.Metrics.RecordBytes
func (m *storeMetrics) RecordBytes(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(m.backend, direction).Add(float64(bytes))
}
