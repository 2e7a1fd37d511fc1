// Package proxy implements the snapshot copy-on-write proxy of a block volume.
//
// The proxy sits between a volume's clients and its raw device. It:
//   - runs the snapshot lifecycle (create, delete, rollback) against the
//     metadata authority, optionally behind a durable journal intent
//   - intercepts writes, preserving each block's pre-image in the
//     preservation store the first time it is overwritten under the active
//     snapshot
//   - assembles consistent reads of any snapshot while the device keeps
//     changing, without locking the volume
//
// The authority is the service of record; the proxy only caches the name of
// the active snapshot and refreshes it from every Sync and Update answer.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/cow"
	"github.com/marmos91/dittosnap/pkg/journal"
	"github.com/marmos91/dittosnap/pkg/store/block"
)

// DefaultReadConcurrency bounds the preserved-object fetches and device
// reads a single snapshot read runs in parallel.
const DefaultReadConcurrency = 8

// blockLockStripes is the number of mutexes serializing COW work per block.
const blockLockStripes = 256

// Device is the raw device the proxy protects. *device.Device implements it.
type Device interface {
	ReadFull(p []byte, off uint64) error
	WriteFull(p []byte, off uint64) error
	Size() uint64
	Alignment() uint64
	Close() error
}

// Config configures a proxy.
type Config struct {
	// Volume is the protected volume and its snapshot policy.
	Volume VolumeAttr

	// BlockSize is the COW granularity. It must match the authority's and
	// be a multiple of the device alignment.
	BlockSize uint64

	// ReadConcurrency bounds parallel I/O within one snapshot read.
	ReadConcurrency int
}

// Deps are the proxy's collaborators.
//
// The proxy takes ownership of Device and Store and closes them in Close.
// Authority is shared and left open. Journal may be nil when the volume
// never requires journaling.
type Deps struct {
	Authority authority.Authority
	Store     block.Store
	Device    Device
	Journal   *journal.Coordinator
	Metrics   Metrics
}

// activeSnapshot is the cached answer to "which snapshot do writes protect".
type activeSnapshot struct {
	Name   string
	Exists bool
}

// Proxy is the snapshot COW proxy for one volume. All methods are safe for
// concurrent use.
type Proxy struct {
	vol             VolumeAttr
	blockSize       uint64
	alignment       uint64
	readConcurrency int

	auth    authority.Authority
	store   block.Store
	dev     Device
	journal *journal.Coordinator
	metrics Metrics

	syncTable  *SyncTable
	active     atomic.Pointer[activeSnapshot]
	blockLocks [blockLockStripes]sync.Mutex

	// transition is held exclusively while the active snapshot changes and
	// shared by writes that find no active snapshot.
	transition sync.RWMutex

	// rollbacks holds the names with a rollback running in this process
	rollbacks sync.Map

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a proxy and loads the volume's active snapshot from the
// authority.
func New(ctx context.Context, cfg Config, deps Deps) (*Proxy, error) {
	if cfg.Volume.Name == "" {
		return nil, fmt.Errorf("proxy: volume name is required")
	}
	if deps.Authority == nil || deps.Store == nil || deps.Device == nil {
		return nil, fmt.Errorf("proxy: authority, store and device are required")
	}

	bs := cfg.BlockSize
	if bs == 0 {
		bs = cow.DefaultBlockSize
	}
	align := deps.Device.Alignment()
	if err := cow.ValidateBlockSize(bs, align); err != nil {
		return nil, err
	}

	conc := cfg.ReadConcurrency
	if conc <= 0 {
		conc = DefaultReadConcurrency
	}

	p := &Proxy{
		vol:             cfg.Volume,
		blockSize:       bs,
		alignment:       align,
		readConcurrency: conc,
		auth:            deps.Authority,
		store:           deps.Store,
		dev:             deps.Device,
		journal:         deps.Journal,
		metrics:         OrNoop(deps.Metrics),
		syncTable:       NewSyncTable(),
	}
	p.active.Store(&activeSnapshot{})

	if _, err := p.Sync(ctx); err != nil {
		return nil, fmt.Errorf("load active snapshot of %s: %w", cfg.Volume.Name, err)
	}

	logger.Info("Snapshot proxy ready: volume=%s role=%s block_size=%d alignment=%d",
		cfg.Volume.Name, cfg.Volume.Role, bs, align)
	return p, nil
}

// Volume returns the protected volume's name.
func (p *Proxy) Volume() string {
	return p.vol.Name
}

// BlockSize returns the COW block size.
func (p *Proxy) BlockSize() uint64 {
	return p.blockSize
}

// SyncTable exposes the in-flight operation table.
func (p *Proxy) SyncTable() *SyncTable {
	return p.syncTable
}

// Active returns the cached active snapshot.
func (p *Proxy) Active() (name string, exists bool) {
	a := p.active.Load()
	return a.Name, a.Exists
}

// Sync refreshes the active snapshot from the authority and returns it.
func (p *Proxy) Sync(ctx context.Context) (string, error) {
	p.transition.Lock()
	defer p.transition.Unlock()

	active, err := p.auth.Sync(ctx, p.vol.Name)
	if err != nil {
		return "", err
	}
	p.setActive(active)
	return active, nil
}

func (p *Proxy) setActive(name string) {
	prev := p.active.Swap(&activeSnapshot{Name: name, Exists: name != ""})
	if prev.Name != name {
		logger.Info("Volume %s: active snapshot %q -> %q", p.vol.Name, prev.Name, name)
	}
}

// Close closes the device and the preservation store.
func (p *Proxy) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = errors.Join(p.dev.Close(), p.store.Close())
	})
	return err
}

func (p *Proxy) checkOpen() error {
	if p.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (p *Proxy) checkRange(offset, length uint64) error {
	size := p.dev.Size()
	if offset > size || length > size-offset {
		return fmt.Errorf("%w: [%d, +%d) on a %d-byte device", ErrOutOfRange, offset, length, size)
	}
	return nil
}

func (p *Proxy) lockBlock(blockNo uint64) func() {
	mu := &p.blockLocks[blockNo%blockLockStripes]
	mu.Lock()
	return mu.Unlock
}

// observe records an operation's outcome; use with defer.
func (p *Proxy) observe(op string, start time.Time, errp *error) {
	p.metrics.ObserveOperation(op, time.Since(start), *errp)
}
