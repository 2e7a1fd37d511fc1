// Package authority defines the client contract of the metadata authority:
// the service of record for snapshot existence and per-block COW state.
//
// The proxy only depends on the Authority interface. Two implementations ship
// with the repository: pkg/authority/local keeps state in BadgerDB inside the
// process, and pkg/authority/rpc reaches any Authority over TCP.
package authority

import "context"

// Authority is the set of calls the proxy makes. Every call is a blocking
// round trip. A non-ok answer is returned as *StatusError; the proxy does not
// retry.
type Authority interface {
	// Sync returns the volume's active snapshot ("" when none).
	Sync(ctx context.Context, volume string) (string, error)

	// Create registers a snapshot in the creating state.
	Create(ctx context.Context, hdr Header, volume, snap string) error

	// Delete marks a snapshot for deletion.
	Delete(ctx context.Context, hdr Header, volume, snap string) error

	// List returns the volume's snapshot names, oldest first.
	List(ctx context.Context, volume string) ([]string, error)

	// Query returns a snapshot's status.
	Query(ctx context.Context, volume, snap string) (SnapStatus, error)

	// Update commits a state transition. The returned active snapshot is
	// meaningful whenever the authority answered, even with a non-ok status.
	Update(ctx context.Context, hdr Header, volume, snap string, event UpdateEvent) (string, error)

	// Rollback returns, ordered by block number, every block that differs
	// from the snapshot and the preserved object holding its content.
	Rollback(ctx context.Context, hdr Header, volume, snap string) ([]BlockRef, error)

	// Diff returns the block runs changed between two snapshots. An empty
	// last compares against the live volume.
	Diff(ctx context.Context, hdr Header, volume, first, last string) ([]DiffRange, error)

	// Read returns, ordered by block number, the blocks of [offset, offset+length)
	// that the snapshot serves from a preserved object instead of the device.
	Read(ctx context.Context, hdr Header, volume, snap string, offset, length uint64) ([]BlockRef, error)

	// CowQuery reports whether the block must be preserved before it is
	// overwritten under the active snapshot.
	CowQuery(ctx context.Context, volume, active string, blockNo uint64) (CowDecision, error)

	// CowCommit records that the block's pre-image is stored in object.
	CowCommit(ctx context.Context, volume, active string, blockNo uint64, object string) error
}
