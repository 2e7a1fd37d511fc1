// Package metrics provides Prometheus metrics collection for DittoSnap components.
//
// All metrics are optional - if not initialized, components use no-op implementations
// that have zero overhead. This allows DittoSnap to run with or without metrics
// collection enabled.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	proxyMetrics := metrics.NewProxyMetrics("vol0")
//	storeMetrics := metrics.NewStoreMetrics("s3")
//
//	// Or use nil for no-op behavior
//	p, err := proxy.New(ctx, cfg, proxy.Deps{Metrics: nil})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all DittoSnap metrics
	// Protected by registryOnce for write-once, read-many pattern
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It's safe to call
// multiple times - subsequent calls are ignored.
//
// If not called, GetRegistry() will return nil and all metrics constructors
// will return nil, which components replace with their no-op implementation.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry() has not been called, indicating metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
//
// Metrics are enabled if InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// latencyBuckets covers local device and Badger operations (tens of
// microseconds) up to slow remote store round-trips.
var latencyBuckets = []float64{
	0.00005, // 50µs
	0.0001,  // 100µs
	0.0005,  // 500µs
	0.001,   // 1ms
	0.005,   // 5ms
	0.01,    // 10ms
	0.05,    // 50ms
	0.1,     // 100ms
	0.5,     // 500ms
	1.0,     // 1s
	5.0,     // 5s
	30.0,    // 30s
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
