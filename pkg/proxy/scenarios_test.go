package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/authority"
)

func TestScenario_FirstWritePreservesInitialContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.snapshot(t, "s1")

	first, err := h.local.CowQuery(ctx, testVol, "s1", 0)
	require.NoError(t, err)
	again, err := h.local.CowQuery(ctx, testVol, "s1", 0)
	require.NoError(t, err)
	assert.True(t, first.NeedsPreservation)
	assert.Equal(t, first, again, "CowQuery without a commit must be idempotent")

	h.write(t, 0, fill(0xAA, 4096))

	d, err := h.local.CowQuery(ctx, testVol, "s1", 0)
	require.NoError(t, err)
	assert.False(t, d.NeedsPreservation)
	assert.Equal(t, first.Object, d.Object)

	preImage := make([]byte, testBS)
	require.NoError(t, h.store.Get(ctx, d.Object, preImage, 0))
	assert.Equal(t, fill(0, testBS), preImage, "pre-image is the volume's initial content")

	h.write(t, 0, fill(0xBB, 4096))
	assert.Equal(t, 1, h.store.Len(), "already preserved block is not preserved again")
	assert.Equal(t, fill(0xBB, 4096), h.deviceBytes(t, 0, 4096))
}

func TestScenario_ReadThroughOlderSnapshot(t *testing.T) {
	h := newHarness(t)

	h.write(t, blockOff(3), fill('A', testBS))
	h.snapshot(t, "s1")
	h.write(t, blockOff(3), fill('X', testBS))
	h.snapshot(t, "s2")
	h.write(t, blockOff(3), fill('Y', testBS))

	assert.Equal(t, fill('A', testBS), h.readSnapshot(t, "s1", blockOff(3), testBS))
	assert.Equal(t, fill('X', testBS), h.readSnapshot(t, "s2", blockOff(3), testBS))
	assert.Equal(t, fill('Y', testBS), h.deviceBytes(t, blockOff(3), testBS))

	// a range straddling preserved and untouched blocks
	got := h.readSnapshot(t, "s1", blockOff(3)-100, testBS+200)
	assert.Equal(t, fill(0, 100), got[:100])
	assert.Equal(t, fill('A', testBS), got[100:100+testBS])
	assert.Equal(t, fill(0, 100), got[100+testBS:])
}

func TestScenario_DeleteWaitsForInFlightCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.snapshot(t, "s1")
	require.NoError(t, h.local.Delete(ctx, localHdr, testVol, "s1"))

	release := h.p.SyncTable().Add("s1", "snapshot on creating")

	done := make(chan error, 1)
	go func() { done <- h.p.DeleteTransaction(ctx, localHdr, "s1") }()

	select {
	case err := <-done:
		t.Fatalf("delete transaction committed while create was in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	status, err := h.p.Query(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, authority.StatusDeleting, status)

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("delete transaction did not resume after the entry cleared")
	}

	_, err = h.p.Query(ctx, "s1")
	assert.True(t, authority.IsStatus(err, authority.StatusSnapNotFound))
	_, ok := h.p.Active()
	assert.False(t, ok)
}

func TestRoundTrip_WriteThenReadInsideBlock(t *testing.T) {
	h := newHarness(t)

	h.snapshot(t, "s1")
	payload := []byte("the quick brown fox jumps over the lazy dog")
	offset := blockOff(7) + 1234
	h.write(t, offset, payload)

	h.snapshot(t, "s2")
	assert.Equal(t, payload, h.readSnapshot(t, "s2", offset, uint64(len(payload))), "served from the device")

	h.write(t, blockOff(7), fill(0xEE, testBS))
	assert.Equal(t, payload, h.readSnapshot(t, "s2", offset, uint64(len(payload))), "served from the preserved block")
}

func TestReadSnapshot_ConcurrentCowBetweenQueries(t *testing.T) {
	h := newHarness(t)

	h.write(t, blockOff(4), fill('O', 3*testBS))
	h.snapshot(t, "s1")

	// A write to block 5 lands between the read's first and second query:
	// block 5 is preserved after the first query said "device", and the
	// device then holds the new bytes.
	h.auth.afterRead = func(n int) {
		if n == 1 {
			require.NoError(t, h.p.Write(context.Background(), blockOff(5), fill('N', testBS)))
		}
	}

	got := h.readSnapshot(t, "s1", blockOff(4), 3*testBS)
	h.auth.afterRead = nil

	assert.Equal(t, fill('O', 3*testBS), got, "read must return the snapshot's content, not the racing write")
	assert.Equal(t, fill('N', testBS), h.deviceBytes(t, blockOff(5), testBS))
}

func TestReadSnapshot_NoSnapshotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.ReadSnapshot(context.Background(), localHdr, "missing", 0, testBS)
	assert.True(t, authority.IsStatus(err, authority.StatusSnapNotFound))
}

func TestReadSnapshot_OutOfRange(t *testing.T) {
	h := newHarness(t)
	h.snapshot(t, "s1")

	_, err := h.p.ReadSnapshot(context.Background(), localHdr, "s1", blockOff(testBlocks)-10, 20)
	assert.ErrorIs(t, err, ErrOutOfRange)

	out, err := h.p.ReadSnapshot(context.Background(), localHdr, "s1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}
