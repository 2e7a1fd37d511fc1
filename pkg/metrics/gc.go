package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittosnap/pkg/gc"
)

// gcMetrics is the Prometheus implementation of gc.Metrics.
type gcMetrics struct {
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	objectsDeleted prometheus.Counter
	objectsFailed  prometheus.Counter
	lastOrphaned   prometheus.Gauge
	lastRecent     prometheus.Gauge
}

// NewGCMetrics creates a Prometheus-backed gc.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewGCMetrics() gc.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newGCMetrics(GetRegistry())
}

func newGCMetrics(reg prometheus.Registerer) *gcMetrics {
	return &gcMetrics{
		runsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosnap_gc_runs_total",
				Help: "Total number of garbage collection runs by status",
			},
			[]string{"status"},
		),
		runDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dittosnap_gc_run_duration_seconds",
				Help:    "Duration of garbage collection runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms .. ~43m
			},
		),
		objectsDeleted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosnap_gc_objects_deleted_total",
				Help: "Total number of orphaned preserved objects deleted",
			},
		),
		objectsFailed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosnap_gc_objects_failed_total",
				Help: "Total number of orphaned preserved objects that failed to delete",
			},
		),
		lastOrphaned: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittosnap_gc_last_orphaned_objects",
				Help: "Orphaned objects found by the last run",
			},
		),
		lastRecent: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittosnap_gc_last_recent_objects",
				Help: "Unreferenced objects kept by the grace period in the last run",
			},
		),
	}
}

func (m *gcMetrics) ObserveRun(stats *gc.Stats, err error) {
	m.runsTotal.WithLabelValues(statusLabel(err)).Inc()
	m.runDuration.Observe(stats.Duration().Seconds())
	m.objectsDeleted.Add(float64(stats.DeletedCount))
	m.objectsFailed.Add(float64(stats.FailedCount))
	m.lastOrphaned.Set(float64(stats.OrphanedCount))
	m.lastRecent.Set(float64(stats.RecentCount))
}
