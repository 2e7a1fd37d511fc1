package authority

import "fmt"

// SnapType distinguishes user snapshots from replication checkpoints.
type SnapType int32

const (
	// SnapTypeLocal is a snapshot requested by a user on this volume.
	SnapTypeLocal SnapType = iota

	// SnapTypeRemote is a snapshot taken on behalf of replication.
	SnapTypeRemote
)

func (t SnapType) String() string {
	switch t {
	case SnapTypeLocal:
		return "local"
	case SnapTypeRemote:
		return "remote"
	default:
		return fmt.Sprintf("SnapType(%d)", int32(t))
	}
}

// ParseSnapType parses "local" or "remote".
func ParseSnapType(s string) (SnapType, error) {
	switch s {
	case "local", "":
		return SnapTypeLocal, nil
	case "remote":
		return SnapTypeRemote, nil
	default:
		return 0, fmt.Errorf("unknown snapshot type %q", s)
	}
}

// SnapScene records why a snapshot was requested.
type SnapScene int32

const (
	SceneNormal SnapScene = iota
	SceneReplication
)

func (s SnapScene) String() string {
	switch s {
	case SceneNormal:
		return "normal"
	case SceneReplication:
		return "replication"
	default:
		return fmt.Sprintf("SnapScene(%d)", int32(s))
	}
}

// SnapStatus is the lifecycle state of a snapshot as recorded by the authority.
type SnapStatus int32

const (
	StatusCreating SnapStatus = iota
	StatusCreated
	StatusDeleting
	StatusDeleted
	StatusRollingBack
)

func (s SnapStatus) String() string {
	switch s {
	case StatusCreating:
		return "creating"
	case StatusCreated:
		return "created"
	case StatusDeleting:
		return "deleting"
	case StatusDeleted:
		return "deleted"
	case StatusRollingBack:
		return "rolling_back"
	default:
		return fmt.Sprintf("SnapStatus(%d)", int32(s))
	}
}

// UpdateEvent is the state transition committed by a transaction.
type UpdateEvent int32

const (
	CreateEvent UpdateEvent = iota
	DeleteEvent
	RollbackEvent
)

func (e UpdateEvent) String() string {
	switch e {
	case CreateEvent:
		return "create"
	case DeleteEvent:
		return "delete"
	case RollbackEvent:
		return "rollback"
	default:
		return fmt.Sprintf("UpdateEvent(%d)", int32(e))
	}
}

// Header travels with every state-changing request.
type Header struct {
	ReplicationUUID string
	CheckpointUUID  string
	Scene           SnapScene
	SnapType        SnapType
}

// BlockRef names the preserved object that serves one block.
type BlockRef struct {
	BlockNo uint64
	Object  string
}

// DiffRange is a run of consecutive changed blocks.
type DiffRange struct {
	FirstBlock uint64
	BlockCount uint64
}

// CowDecision is the answer to a CowQuery.
type CowDecision struct {
	// NeedsPreservation is true when the block's current content must be
	// stored before it is overwritten.
	NeedsPreservation bool

	// Object is where the pre-image goes (or already is).
	Object string
}
