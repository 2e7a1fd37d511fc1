// Package block defines the preservation store: the object store that holds
// pre-overwrite images of volume blocks.
//
// Objects are addressed by the name the metadata authority hands out for a
// block. The proxy writes one object per preserved block and reads sub-ranges
// back when serving snapshot reads and rollbacks. Transfers are all-or-nothing:
// a Get that cannot fill the buffer, or a Put that cannot store every byte,
// fails with ErrShortTransfer instead of reporting a partial count.
package block

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object. Returned by List for garbage collection.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is the preservation store contract.
//
// Implementations must be safe for concurrent use. Concurrent Puts to the same
// name are last-writer-wins; the authority never hands the same name to two
// different blocks.
type Store interface {
	// Put stores data at offset within the named object, creating it if needed.
	//
	// Bytes before offset are kept (zero-filled if the object was shorter) and
	// the object is truncated to offset+len(data). A Put at offset 0 therefore
	// replaces the object. The data is durable when Put returns.
	Put(ctx context.Context, name string, data []byte, offset uint64) error

	// Get fills p from offset within the named object.
	//
	// Returns ErrObjectNotFound if the object does not exist and
	// ErrShortTransfer if it ends before offset+len(p).
	Get(ctx context.Context, name string, p []byte, offset uint64) error

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error

	// Exists reports whether the object is present.
	Exists(ctx context.Context, name string) (bool, error)

	// List returns every object whose name starts with prefix, ordered by name.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources. Operations after Close fail with
	// ErrStoreClosed.
	Close() error
}

// Metrics receives per-operation observations from a store backend.
//
// A nil Metrics passed to a constructor selects a no-op implementation.
type Metrics interface {
	ObserveOperation(operation string, duration time.Duration, err error)
	RecordBytes(operation string, bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) RecordBytes(string, int64)                     {}

// NoopMetrics returns a Metrics that discards everything.
func NoopMetrics() Metrics {
	return noopMetrics{}
}

// OrNoop returns m, or a no-op implementation when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
