package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncTable_AddLookupRelease(t *testing.T) {
	st := NewSyncTable()

	release := st.Add("s1", "snapshot on creating")
	action, ok := st.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, "snapshot on creating", action)
	assert.Equal(t, 1, st.Len())

	release()
	release()
	_, ok = st.Lookup("s1")
	assert.False(t, ok)
	assert.Zero(t, st.Len())
}

func TestSyncTable_OverlappingOperations(t *testing.T) {
	st := NewSyncTable()

	r1 := st.Add("s1", "snapshot on creating")
	r2 := st.Add("s1", "snapshot on deleting")

	action, _ := st.Lookup("s1")
	assert.Equal(t, "snapshot on deleting", action)

	r1()
	_, ok := st.Lookup("s1")
	assert.True(t, ok, "entry stays while a reference is held")

	r2()
	_, ok = st.Lookup("s1")
	assert.False(t, ok)
}

func TestSyncTable_WaitClear(t *testing.T) {
	st := NewSyncTable()
	ctx := context.Background()

	require.NoError(t, st.WaitClear(ctx, "idle"))

	release := st.Add("s1", "snapshot on creating")
	cleared := make(chan error, 1)
	go func() { cleared <- st.WaitClear(ctx, "s1") }()

	select {
	case <-cleared:
		t.Fatal("WaitClear returned while the entry was held")
	case <-time.After(50 * time.Millisecond):
	}

	// a second holder taken before the first lets go
	release2 := st.Add("s1", "snapshot on deleting")
	release()

	select {
	case <-cleared:
		t.Fatal("WaitClear returned while a later entry was held")
	case <-time.After(50 * time.Millisecond):
	}

	release2()
	select {
	case err := <-cleared:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitClear did not return after release")
	}
}

func TestSyncTable_WaitClearContext(t *testing.T) {
	st := NewSyncTable()
	defer st.Add("s1", "snapshot on rollback")()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := st.WaitClear(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
