package config

import (
	"github.com/marmos91/dittosnap/pkg/authority/rpc"
	"github.com/marmos91/dittosnap/pkg/gc"
	"github.com/marmos91/dittosnap/pkg/metrics"
	"github.com/marmos91/dittosnap/pkg/proxy"
	"github.com/marmos91/dittosnap/pkg/store/block"
)

// MetricsResult contains all metrics collectors created from configuration.
//
// Every field is nil when metrics are disabled; each consumer treats a nil
// collector as a no-op.
type MetricsResult struct {
	// Proxy is the metrics collector for the snapshot proxy
	Proxy proxy.Metrics

	// Store is the metrics collector for the preservation store
	Store block.Metrics

	// RPC is the metrics collector for the authority server
	RPC rpc.Metrics

	// GC is the metrics collector for garbage collection runs
	GC gc.Metrics
}

// InitializeMetrics creates and initializes all metrics collectors based on
// configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil collectors (zero overhead)
//
// Call it once per process: collectors register with the global registry.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	// Initialize global Prometheus registry
	metrics.InitRegistry()

	return &MetricsResult{
		Proxy: metrics.NewProxyMetrics(cfg.Volume.Name),
		Store: metrics.NewStoreMetrics(cfg.Store.Type),
		RPC:   metrics.NewRPCMetrics(),
		GC:    metrics.NewGCMetrics(),
	}
}

// NewMetricsServer creates the metrics HTTP server, or returns nil when
// metrics are disabled.
//
// Parameters:
//   - cfg: The complete DittoSnap configuration
//   - checks: Health checks served at /healthz
func NewMetricsServer(cfg *Config, checks map[string]metrics.HealthFunc) *metrics.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.NewServer(cfg.Metrics.ServerConfig, checks)
}
