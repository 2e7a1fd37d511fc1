package proxy

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/authority/local"
	"github.com/marmos91/dittosnap/pkg/device"
	"github.com/marmos91/dittosnap/pkg/store/block/memory"
)

const (
	testVol    = "vol0"
	testBS     = 4096
	testBlocks = 64
)

var localHdr = authority.Header{SnapType: authority.SnapTypeLocal}

// faultyAuthority wraps the reference authority to count calls, inject
// failures and run hooks between calls.
type faultyAuthority struct {
	authority.Authority

	mu         sync.Mutex
	cowQueries int
	reads      int

	failCommit   error
	failUpdate   map[authority.UpdateEvent]error
	afterRead    func(n int)
	afterCreate  func(snap string)
	beforeUpdate func(snap string, event authority.UpdateEvent)
}

func (f *faultyAuthority) Create(ctx context.Context, hdr authority.Header, volume, snap string) error {
	err := f.Authority.Create(ctx, hdr, volume, snap)
	if f.afterCreate != nil {
		f.afterCreate(snap)
	}
	return err
}

func (f *faultyAuthority) CowQuery(ctx context.Context, volume, active string, blockNo uint64) (authority.CowDecision, error) {
	f.mu.Lock()
	f.cowQueries++
	f.mu.Unlock()
	return f.Authority.CowQuery(ctx, volume, active, blockNo)
}

func (f *faultyAuthority) CowCommit(ctx context.Context, volume, active string, blockNo uint64, object string) error {
	if f.failCommit != nil {
		return f.failCommit
	}
	return f.Authority.CowCommit(ctx, volume, active, blockNo, object)
}

func (f *faultyAuthority) Update(ctx context.Context, hdr authority.Header, volume, snap string, event authority.UpdateEvent) (string, error) {
	if f.beforeUpdate != nil {
		f.beforeUpdate(snap, event)
	}
	if err := f.failUpdate[event]; err != nil {
		active, _ := f.Authority.Sync(ctx, volume)
		return active, err
	}
	return f.Authority.Update(ctx, hdr, volume, snap, event)
}

func (f *faultyAuthority) Read(ctx context.Context, hdr authority.Header, volume, snap string, offset, length uint64) ([]authority.BlockRef, error) {
	refs, err := f.Authority.Read(ctx, hdr, volume, snap, offset, length)

	f.mu.Lock()
	f.reads++
	n := f.reads
	hook := f.afterRead
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return refs, err
}

func (f *faultyAuthority) CowQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cowQueries
}

type harness struct {
	p     *Proxy
	auth  *faultyAuthority
	local *local.Authority
	store *memory.MemoryBlockStore
	dev   *device.Device
}

func newHarness(t *testing.T, opts ...func(*Config, *Deps)) *harness {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "vol0.img")
	require.NoError(t, device.CreateImage(path, testBlocks*testBS))
	dev, err := device.Open(path, device.Options{})
	require.NoError(t, err)

	la, err := local.New(ctx, local.Config{InMemory: true, BlockSize: testBS})
	require.NoError(t, err)
	t.Cleanup(func() { _ = la.Close() })

	h := &harness{
		auth:  &faultyAuthority{Authority: la},
		local: la,
		store: memory.NewMemoryBlockStore(),
		dev:   dev,
	}

	cfg := Config{Volume: VolumeAttr{Name: testVol}, BlockSize: testBS}
	deps := Deps{Authority: h.auth, Store: h.store, Device: dev}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	h.p, err = New(ctx, cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.p.Close() })
	return h
}

func (h *harness) snapshot(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, h.p.Create(context.Background(), localHdr, name))
	active, ok := h.p.Active()
	require.True(t, ok)
	require.Equal(t, name, active)
}

func (h *harness) write(t *testing.T, offset uint64, data []byte) {
	t.Helper()
	require.NoError(t, h.p.Write(context.Background(), offset, data))
}

func (h *harness) readSnapshot(t *testing.T, snap string, offset, length uint64) []byte {
	t.Helper()
	out, err := h.p.ReadSnapshot(context.Background(), localHdr, snap, offset, length)
	require.NoError(t, err)
	return out
}

func (h *harness) deviceBytes(t *testing.T, offset, length uint64) []byte {
	t.Helper()
	buf := make([]byte, length)
	require.NoError(t, h.dev.ReadFull(buf, offset))
	return buf
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func blockOff(blockNo uint64) uint64 {
	return blockNo * testBS
}
