package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/authority"
)

const (
	testVol = "vol0"
	testBS  = 4096
)

var hdr = authority.Header{SnapType: authority.SnapTypeLocal}

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := New(context.Background(), Config{InMemory: true, BlockSize: testBS})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func mustSnapshot(t *testing.T, a *Authority, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.Create(ctx, hdr, testVol, name))
	active, err := a.Update(ctx, hdr, testVol, name, authority.CreateEvent)
	require.NoError(t, err)
	require.Equal(t, name, active)
}

func mustDelete(t *testing.T, a *Authority, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.Delete(ctx, hdr, testVol, name))
	_, err := a.Update(ctx, hdr, testVol, name, authority.DeleteEvent)
	require.NoError(t, err)
}

func mustPreserve(t *testing.T, a *Authority, active string, blockNo uint64) string {
	t.Helper()
	ctx := context.Background()
	d, err := a.CowQuery(ctx, testVol, active, blockNo)
	require.NoError(t, err)
	require.True(t, d.NeedsPreservation)
	require.NoError(t, a.CowCommit(ctx, testVol, active, blockNo, d.Object))
	return d.Object
}

func TestLifecycle(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	active, err := a.Sync(ctx, testVol)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, a.Create(ctx, hdr, testVol, "s1"))
	status, err := a.Query(ctx, testVol, "s1")
	require.NoError(t, err)
	assert.Equal(t, authority.StatusCreating, status)

	// not active until the create transaction commits
	active, err = a.Sync(ctx, testVol)
	require.NoError(t, err)
	assert.Empty(t, active)

	active, err = a.Update(ctx, hdr, testVol, "s1", authority.CreateEvent)
	require.NoError(t, err)
	assert.Equal(t, "s1", active)

	err = a.Create(ctx, hdr, testVol, "s1")
	assert.True(t, authority.IsStatus(err, authority.StatusSnapExists))

	require.NoError(t, a.Create(ctx, hdr, testVol, "pending"))
	mustSnapshot(t, a, "s2")

	names, err := a.List(ctx, testVol)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "pending"}, names)

	_, err = a.Query(ctx, testVol, "nope")
	assert.True(t, authority.IsStatus(err, authority.StatusSnapNotFound))
}

func TestUpdate_ReturnsActiveOnFailure(t *testing.T) {
	a := newTestAuthority(t)
	mustSnapshot(t, a, "s1")

	active, err := a.Update(context.Background(), hdr, testVol, "s1", authority.CreateEvent)
	assert.True(t, authority.IsStatus(err, authority.StatusInvalidState))
	assert.Equal(t, "s1", active)
}

func TestCowQuery_IdempotentUntilCommit(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()
	mustSnapshot(t, a, "s1")

	first, err := a.CowQuery(ctx, testVol, "s1", 7)
	require.NoError(t, err)
	second, err := a.CowQuery(ctx, testVol, "s1", 7)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, first.NeedsPreservation)

	require.NoError(t, a.CowCommit(ctx, testVol, "s1", 7, first.Object))
	require.NoError(t, a.CowCommit(ctx, testVol, "s1", 7, first.Object), "same commit twice is idempotent")

	after, err := a.CowQuery(ctx, testVol, "s1", 7)
	require.NoError(t, err)
	assert.False(t, after.NeedsPreservation)
	assert.Equal(t, first.Object, after.Object)

	err = a.CowCommit(ctx, testVol, "s1", 7, "vol0/s1/other")
	assert.True(t, authority.IsStatus(err, authority.StatusConflict))
}

func TestCowQuery_RequiresActive(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()
	mustSnapshot(t, a, "s1")
	mustSnapshot(t, a, "s2")

	_, err := a.CowQuery(ctx, testVol, "s1", 0)
	assert.True(t, authority.IsStatus(err, authority.StatusNotActive))

	err = a.CowCommit(ctx, testVol, "s1", 0, "x")
	assert.True(t, authority.IsStatus(err, authority.StatusNotActive))
}

func TestRead_ResolvesThroughNewerSnapshots(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	mustSnapshot(t, a, "s1")
	objA := mustPreserve(t, a, "s1", 3)
	mustSnapshot(t, a, "s2")
	objB := mustPreserve(t, a, "s2", 3)
	objC := mustPreserve(t, a, "s2", 5)

	refs, err := a.Read(ctx, hdr, testVol, "s1", 0, 10*testBS)
	require.NoError(t, err)
	assert.Equal(t, []authority.BlockRef{{BlockNo: 3, Object: objA}, {BlockNo: 5, Object: objC}}, refs)

	refs, err = a.Read(ctx, hdr, testVol, "s2", 0, 10*testBS)
	require.NoError(t, err)
	assert.Equal(t, []authority.BlockRef{{BlockNo: 3, Object: objB}, {BlockNo: 5, Object: objC}}, refs)

	// byte range that only touches block 5
	refs, err = a.Read(ctx, hdr, testVol, "s1", 5*testBS+100, 10)
	require.NoError(t, err)
	assert.Equal(t, []authority.BlockRef{{BlockNo: 5, Object: objC}}, refs)

	refs, err = a.Rollback(ctx, hdr, testVol, "s1")
	require.NoError(t, err)
	assert.Equal(t, []authority.BlockRef{{BlockNo: 3, Object: objA}, {BlockNo: 5, Object: objC}}, refs)
}

func TestDiff(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	mustSnapshot(t, a, "s1")
	mustPreserve(t, a, "s1", 3)
	mustSnapshot(t, a, "s2")
	for _, b := range []uint64{3, 4, 5, 9} {
		mustPreserve(t, a, "s2", b)
	}

	ranges, err := a.Diff(ctx, hdr, testVol, "s1", "s2")
	require.NoError(t, err)
	assert.Equal(t, []authority.DiffRange{{FirstBlock: 3, BlockCount: 1}}, ranges)

	ranges, err = a.Diff(ctx, hdr, testVol, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, []authority.DiffRange{{FirstBlock: 3, BlockCount: 3}, {FirstBlock: 9, BlockCount: 1}}, ranges)

	_, err = a.Diff(ctx, hdr, testVol, "s2", "s1")
	assert.True(t, authority.IsStatus(err, authority.StatusInvalidArgument))
}

func TestDeleteEvent_MovesMappingsToPredecessor(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	mustSnapshot(t, a, "s1")
	objA := mustPreserve(t, a, "s1", 3)
	mustSnapshot(t, a, "s2")
	objB := mustPreserve(t, a, "s2", 3)
	objC := mustPreserve(t, a, "s2", 5)

	mustDelete(t, a, "s2")

	active, err := a.Sync(ctx, testVol)
	require.NoError(t, err)
	assert.Equal(t, "s1", active)

	refs, err := a.Read(ctx, hdr, testVol, "s1", 0, 10*testBS)
	require.NoError(t, err)
	assert.Equal(t, []authority.BlockRef{{BlockNo: 3, Object: objA}, {BlockNo: 5, Object: objC}}, refs)

	referenced, err := a.ReferencedObjects(ctx)
	require.NoError(t, err)
	assert.Contains(t, referenced, objA)
	assert.Contains(t, referenced, objC)
	assert.NotContains(t, referenced, objB)

	mustDelete(t, a, "s1")
	referenced, err = a.ReferencedObjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, referenced)

	_, err = a.Query(ctx, testVol, "s1")
	assert.True(t, authority.IsStatus(err, authority.StatusSnapNotFound))
}

func TestDeleteEvent_CompensatesFailedCreate(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, a.Create(ctx, hdr, testVol, "s1"))
	active, err := a.Update(ctx, hdr, testVol, "s1", authority.DeleteEvent)
	require.NoError(t, err)
	assert.Empty(t, active)

	names, err := a.List(ctx, testVol)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRecreatedNameGetsFreshObjects(t *testing.T) {
	a := newTestAuthority(t)

	mustSnapshot(t, a, "s1")
	old := mustPreserve(t, a, "s1", 0)
	mustDelete(t, a, "s1")
	mustSnapshot(t, a, "s1")
	fresh := mustPreserve(t, a, "s1", 0)

	assert.NotEqual(t, old, fresh)
}

func TestRollbackEventToggles(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()
	mustSnapshot(t, a, "s1")

	_, err := a.Update(ctx, hdr, testVol, "s1", authority.RollbackEvent)
	require.NoError(t, err)
	status, _ := a.Query(ctx, testVol, "s1")
	assert.Equal(t, authority.StatusRollingBack, status)

	err = a.Delete(ctx, hdr, testVol, "s1")
	assert.True(t, authority.IsStatus(err, authority.StatusInvalidState))

	_, err = a.Update(ctx, hdr, testVol, "s1", authority.RollbackEvent)
	require.NoError(t, err)
	status, _ = a.Query(ctx, testVol, "s1")
	assert.Equal(t, authority.StatusCreated, status)
}

func TestInvalidNames(t *testing.T) {
	a := newTestAuthority(t)
	ctx := context.Background()

	assert.True(t, authority.IsStatus(a.Create(ctx, hdr, testVol, "a:b"), authority.StatusInvalidArgument))
	assert.True(t, authority.IsStatus(a.Create(ctx, hdr, testVol, "a/b"), authority.StatusInvalidArgument))
	assert.True(t, authority.IsStatus(a.Create(ctx, hdr, "", "s1"), authority.StatusInvalidArgument))
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := New(ctx, Config{DBPath: dir, BlockSize: testBS, SyncWrites: true})
	require.NoError(t, err)
	mustSnapshot(t, a, "s1")
	obj := mustPreserve(t, a, "s1", 2)
	require.NoError(t, a.Close())

	a, err = New(ctx, Config{DBPath: dir, BlockSize: testBS})
	require.NoError(t, err)
	defer a.Close()

	active, err := a.Sync(ctx, testVol)
	require.NoError(t, err)
	assert.Equal(t, "s1", active)

	d, err := a.CowQuery(ctx, testVol, "s1", 2)
	require.NoError(t, err)
	assert.False(t, d.NeedsPreservation)
	assert.Equal(t, obj, d.Object)
}

func TestObjectName(t *testing.T) {
	a := ObjectName("vol0", "s1", 1, 42)
	assert.Equal(t, a, ObjectName("vol0", "s1", 1, 42))
	assert.NotEqual(t, a, ObjectName("vol0", "s1", 2, 42))
	assert.NotEqual(t, a, ObjectName("vol0", "s1", 1, 43))
	assert.Regexp(t, `^vol0/s1/[0-9a-f-]{36}$`, a)
}
