package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyDenied is returned when the volume's policy does not permit
	// the operation for the requested snapshot type. Nothing was changed.
	ErrPolicyDenied = errors.New("snapshot operation denied by volume policy")

	// ErrIO classes every device and preservation store failure.
	ErrIO = errors.New("snapshot i/o error")

	// ErrTransaction is returned when the state transition that follows a
	// successful create, delete or rollback request is rejected.
	ErrTransaction = errors.New("snapshot transaction failed")

	// ErrNeedsReconcile is matched by *ReconcileError.
	ErrNeedsReconcile = errors.New("cow commit failed after device write")

	// ErrOutOfRange is returned for byte ranges beyond the end of the device.
	ErrOutOfRange = errors.New("range beyond end of device")

	// ErrClosed is returned by operations on a closed proxy.
	ErrClosed = errors.New("snapshot proxy closed")
)

// ReconcileError reports a block whose pre-image was preserved and whose new
// data reached the device, but whose mapping the authority did not record.
// The preserved object is orphaned and the snapshot's view of the block is
// stale until an operator reconciles it; retrying the write would preserve
// the wrong pre-image.
type ReconcileError struct {
	Volume   string
	Snapshot string
	BlockNo  uint64
	Object   string
	Err      error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("%v: volume=%s snapshot=%s block=%d object=%s: %v",
		ErrNeedsReconcile, e.Volume, e.Snapshot, e.BlockNo, e.Object, e.Err)
}

func (e *ReconcileError) Unwrap() []error {
	return []error{ErrNeedsReconcile, e.Err}
}

// RollbackError reports a rollback that stopped part way. Blocks [0, Done)
// of the authority's list were written; the volume holds a mix of both
// states.
type RollbackError struct {
	Volume   string
	Snapshot string
	Done     int
	Total    int
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback %s/%s aborted after %d of %d blocks: %v",
		e.Volume, e.Snapshot, e.Done, e.Total, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
