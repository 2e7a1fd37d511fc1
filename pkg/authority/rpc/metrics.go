package rpc

import (
	"time"

	"github.com/marmos91/dittosnap/pkg/authority"
)

// Metrics observes the authority server. pkg/metrics provides the Prometheus
// implementation; a nil Metrics disables collection.
type Metrics interface {
	// ObserveRequest records one handled call and the status it produced.
	ObserveRequest(proc string, duration time.Duration, code authority.StatusCode)

	// SetActiveConnections reports the number of open client connections.
	SetActiveConnections(n int32)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, time.Duration, authority.StatusCode) {}
func (noopMetrics) SetActiveConnections(int32)                                  {}

// OrNoop returns m, or a no-op implementation when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
