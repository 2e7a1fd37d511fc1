package proxy

import "time"

// Metrics observes the proxy. pkg/metrics provides the Prometheus
// implementation; a nil Metrics disables collection.
type Metrics interface {
	// ObserveOperation records one public operation ("create", "write",
	// "read_snapshot", ...) with its outcome.
	ObserveOperation(op string, duration time.Duration, err error)

	// RecordCowDecision counts a CowQuery answer on the write path.
	RecordCowDecision(preserved bool)

	// RecordReconciledBlocks counts blocks fixed up by a snapshot read's
	// second authority query.
	RecordReconciledBlocks(n int)

	// RecordRollbackBlocks counts blocks restored by a rollback.
	RecordRollbackBlocks(n int)

	// RecordBytes counts payload bytes moved by an operation.
	RecordBytes(op string, n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) RecordCowDecision(bool)                        {}
func (noopMetrics) RecordReconciledBlocks(int)                    {}
func (noopMetrics) RecordRollbackBlocks(int)                      {}
func (noopMetrics) RecordBytes(string, int)                       {}

// OrNoop returns m, or a no-op implementation when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
