package proxy

import (
	"fmt"
	"strings"

	"github.com/marmos91/dittosnap/pkg/authority"
)

// Role is the volume's place in a replication pair.
type Role int

const (
	// RoleStandalone volumes do not replicate.
	RoleStandalone Role = iota

	// RolePrimary volumes replicate to a secondary.
	RolePrimary

	// RoleSecondary volumes receive replicated data. Only replication may
	// take snapshots of them.
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RoleStandalone:
		return "standalone"
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole parses "standalone", "primary" or "secondary".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "", "standalone":
		return RoleStandalone, nil
	case "primary":
		return RolePrimary, nil
	case "secondary":
		return RoleSecondary, nil
	default:
		return 0, fmt.Errorf("unknown volume role %q", s)
	}
}

// VolumeAttr describes the volume a proxy serves and decides which
// operations it permits.
type VolumeAttr struct {
	Name               string
	Role               Role
	ReplicationEnabled bool
}

// SnapshotAllowed reports whether a snapshot of type t may be created,
// deleted or rolled back on this volume.
//
// Secondaries only accept replication snapshots, and replication snapshots
// require replication to be enabled.
func (a VolumeAttr) SnapshotAllowed(t authority.SnapType) bool {
	switch t {
	case authority.SnapTypeLocal:
		return a.Role != RoleSecondary
	case authority.SnapTypeRemote:
		return a.ReplicationEnabled
	default:
		return false
	}
}

// JournalRequired reports whether an operation on a snapshot of type t must
// be made durable in the journal before the authority is called. Replicating
// primaries journal every operation so the secondary replays it in order; a
// secondary's remote snapshots already come from the replicated journal.
func (a VolumeAttr) JournalRequired(t authority.SnapType) bool {
	if !a.ReplicationEnabled {
		return false
	}
	return a.Role != RoleSecondary
}
