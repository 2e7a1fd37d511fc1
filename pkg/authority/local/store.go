// Package local implements the metadata authority in-process on BadgerDB.
//
// It is the reference implementation of authority.Authority: the proxy can use
// it directly for a single-node deployment, and cmd/dittosnap serves it over
// the RPC transport for remote proxies.
//
// COW model:
//
// Snapshots of a volume form a chain ordered by activation; the newest is the
// active snapshot. When a block is about to be overwritten for the first time
// since the active snapshot was taken, its pre-image is preserved and mapped
// to the active snapshot. A snapshot S therefore sees block b as the first
// mapping for b found scanning from S toward newer snapshots, or the live
// device when no such mapping exists.
package local

import (
	"context"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/cow"
)

// Config configures the authority.
type Config struct {
	// DBPath is the BadgerDB directory. Ignored when InMemory is set.
	DBPath string

	// InMemory keeps all state in memory (tests, ephemeral setups).
	InMemory bool

	// BlockSize is the COW granularity; it must match the proxies'.
	BlockSize uint64

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// Authority implements authority.Authority.
//
// Thread Safety:
// A single RWMutex serializes mutations. Each call runs in one Badger
// transaction, so a crash never leaves a half-applied transition.
type Authority struct {
	db        *badger.DB
	blockSize uint64
	mu        sync.RWMutex
}

// New opens (or creates) the authority database.
//
// Parameters:
//   - ctx: Context checked before opening the database
//   - cfg: Authority configuration
//
// Returns:
//   - *Authority: Ready for use
//   - error: If the database cannot be opened or the block size is invalid
func New(ctx context.Context, cfg Config) (*Authority, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = cow.DefaultBlockSize
	}
	if err := cow.ValidateBlockSize(blockSize, 0); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("local authority: db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None) // keys and values are tiny
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	logger.Info("Local authority opened: path=%s in_memory=%t block_size=%d", cfg.DBPath, cfg.InMemory, blockSize)

	return &Authority{db: db, blockSize: blockSize}, nil
}

// BlockSize returns the COW granularity the authority computes block numbers with.
func (a *Authority) BlockSize() uint64 {
	return a.blockSize
}

// Close flushes and closes the database.
func (a *Authority) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

func checkNames(op, vol string, snaps ...string) error {
	if !validName(vol) {
		return authority.NewStatusError(op, authority.StatusInvalidArgument, "invalid volume name %q", vol)
	}
	for _, s := range snaps {
		if !validName(s) {
			return authority.NewStatusError(op, authority.StatusInvalidArgument, "invalid snapshot name %q", s)
		}
	}
	return nil
}

// wrapDB turns storage failures into StatusInternal so every non-ok answer
// the authority gives is a StatusError.
func wrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*authority.StatusError); ok {
		return err
	}
	return &authority.StatusError{Op: op, Code: authority.StatusInternal, Message: err.Error()}
}

var _ authority.Authority = (*Authority)(nil)
