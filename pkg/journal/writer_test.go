package journal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/authority"
)

func openTestWriter(t *testing.T, cfg Config) *Writer {
	t.Helper()
	w, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWriter_AppendAndReplay(t *testing.T) {
	w := openTestWriter(t, Config{Name: "vol0", InMemory: true})

	var offsets []uint64
	for _, snap := range []string{"s1", "s2", "s3"} {
		e, err := w.Append(&Intent{ID: snap, Type: EntryCreate, Volume: "vol0", Snapshot: snap,
			Header: authority.Header{SnapType: authority.SnapTypeRemote, ReplicationUUID: "r1"}})
		require.NoError(t, err)
		assert.Equal(t, "vol0", e.Marker.Journal)
		offsets = append(offsets, e.Marker.Offset)
	}
	assert.Less(t, offsets[0], offsets[1])
	assert.Less(t, offsets[1], offsets[2])

	var seen []string
	require.NoError(t, w.Replay(context.Background(), offsets[1], func(e *Entry) error {
		seen = append(seen, e.Intent.Snapshot)
		assert.Equal(t, authority.SnapTypeRemote, e.Intent.Header.SnapType)
		return nil
	}))
	assert.Equal(t, []string{"s2", "s3"}, seen)

	stop := errors.New("stop")
	err := w.Replay(context.Background(), 0, func(*Entry) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestWriter_AppliedWatermark(t *testing.T) {
	w := openTestWriter(t, Config{InMemory: true})

	applied, err := w.Applied()
	require.NoError(t, err)
	assert.Zero(t, applied)

	require.NoError(t, w.MarkApplied(5))
	require.NoError(t, w.MarkApplied(3))
	applied, err = w.Applied()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), applied, "watermark must not move backwards")
}

func TestWriter_Compact(t *testing.T) {
	w := openTestWriter(t, Config{InMemory: true})

	var last uint64
	for _, snap := range []string{"a", "b", "c"} {
		e, err := w.Append(&Intent{Type: EntryDelete, Volume: "vol0", Snapshot: snap})
		require.NoError(t, err)
		last = e.Marker.Offset
	}
	require.NoError(t, w.MarkApplied(last-1))

	n, err := w.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var left []string
	require.NoError(t, w.Replay(context.Background(), 0, func(e *Entry) error {
		left = append(left, e.Intent.Snapshot)
		return nil
	}))
	assert.Equal(t, []string{"c"}, left)
}

func TestWriter_RunNotifiesThenApplies(t *testing.T) {
	w := openTestWriter(t, Config{Name: "vol0", InMemory: true})
	c := NewCoordinator(4)

	var (
		mu      sync.Mutex
		applied []Marker
	)
	handler := func(_ context.Context, e *Entry) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, e.Marker)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, c, handler) }()

	ticket, err := c.Submit(ctx, &Intent{Type: EntryCreate, Volume: "vol0", Snapshot: "s1"})
	require.NoError(t, err)
	m, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vol0", m.Journal)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, m, applied[0])

	require.Eventually(t, func() bool {
		a, err := w.Applied()
		return err == nil && a == m.Offset
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// A handler blocked on one entry must not hold back the tickets of intents
// submitted after it.
func TestWriter_RunNotifiesWhileApplying(t *testing.T) {
	w := openTestWriter(t, Config{Name: "vol0", InMemory: true})
	c := NewCoordinator(4)
	defer c.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu      sync.Mutex
		applied []string
	)
	handler := func(ctx context.Context, e *Entry) error {
		if e.Intent.Snapshot == "s1" {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, e.Intent.Snapshot)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, c, handler) }()

	t1, err := c.Submit(ctx, &Intent{Type: EntryCreate, Volume: "vol0", Snapshot: "s1"})
	require.NoError(t, err)
	_, err = t1.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first entry was not applied")
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	t2, err := c.Submit(waitCtx, &Intent{Type: EntryDelete, Volume: "vol0", Snapshot: "s1-delete"})
	require.NoError(t, err)
	m2, err := t2.Wait(waitCtx)
	require.NoError(t, err, "second intent must become durable while the first is applying")

	close(release)
	require.Eventually(t, func() bool {
		a, err := w.Applied()
		return err == nil && a == m2.Offset
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"s1", "s1-delete"}, applied)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

// Closing the coordinator applies what is already durable before Run returns.
func TestWriter_RunAppliesDurableEntriesOnClose(t *testing.T) {
	w := openTestWriter(t, Config{Name: "vol0", InMemory: true})
	c := NewCoordinator(4)

	var count atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), c, func(context.Context, *Entry) error {
			count.Add(1)
			return nil
		})
	}()

	ticket, err := c.Submit(context.Background(), &Intent{Type: EntryCreate, Volume: "vol0", Snapshot: "s1"})
	require.NoError(t, err)
	m, err := ticket.Wait(context.Background())
	require.NoError(t, err)

	c.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}

	applied, err := w.Applied()
	require.NoError(t, err)
	assert.Equal(t, m.Offset, applied)
	assert.EqualValues(t, 1, count.Load())
}

func TestWriter_RunRecoversUnappliedEntries(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(context.Background(), Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	e1, err := w.Append(&Intent{Type: EntryCreate, Volume: "vol0", Snapshot: "s1"})
	require.NoError(t, err)
	require.NoError(t, w.MarkApplied(e1.Marker.Offset))
	_, err = w.Append(&Intent{Type: EntryDelete, Volume: "vol0", Snapshot: "s1"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// reopen: only the unapplied delete is handed to the handler
	w = openTestWriter(t, Config{Path: dir, SyncWrites: true})
	c := NewCoordinator(1)

	got := make(chan *Entry, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, c, func(_ context.Context, e *Entry) error {
			got <- e
			return nil
		})
	}()

	select {
	case e := <-got:
		assert.Equal(t, EntryDelete, e.Intent.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("pending entry was not re-applied")
	}

	// offsets keep increasing across restarts
	e3, err := w.Append(&Intent{Type: EntryCreate, Volume: "vol0", Snapshot: "s2"})
	require.NoError(t, err)
	assert.Greater(t, e3.Marker.Offset, e1.Marker.Offset)

	c.Close()
	require.NoError(t, <-done)
	cancel()
}

func TestWriter_Closed(t *testing.T) {
	w, err := Open(context.Background(), Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Append(&Intent{Volume: "v", Snapshot: "s"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}
