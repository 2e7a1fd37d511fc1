package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/authority"
)

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"":           RoleStandalone,
		"standalone": RoleStandalone,
		"Primary":    RolePrimary,
		"secondary":  RoleSecondary,
	} {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRole("tertiary")
	assert.Error(t, err)
	assert.Equal(t, "Role(7)", Role(7).String())
}

func TestVolumeAttr_Policy(t *testing.T) {
	tests := []struct {
		name            string
		attr            VolumeAttr
		localAllowed    bool
		remoteAllowed   bool
		journalRequired bool
	}{
		{"standalone", VolumeAttr{Role: RoleStandalone}, true, false, false},
		{"primary without replication", VolumeAttr{Role: RolePrimary}, true, false, false},
		{"replicating primary", VolumeAttr{Role: RolePrimary, ReplicationEnabled: true}, true, true, true},
		{"secondary", VolumeAttr{Role: RoleSecondary, ReplicationEnabled: true}, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.localAllowed, tt.attr.SnapshotAllowed(authority.SnapTypeLocal))
			assert.Equal(t, tt.remoteAllowed, tt.attr.SnapshotAllowed(authority.SnapTypeRemote))
			assert.Equal(t, tt.journalRequired, tt.attr.JournalRequired(authority.SnapTypeLocal))
			assert.False(t, tt.attr.SnapshotAllowed(authority.SnapType(99)))
		})
	}
}
