package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittosnap/internal/logger"
)

const (
	entryPrefix = "e:"
	keyApplied  = "w:applied"
	keySequence = "w:seq"
)

// Config configures the journal writer.
type Config struct {
	// Name identifies this journal in markers. Defaults to "journal".
	Name string

	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the log in memory (tests).
	InMemory bool

	// SyncWrites fsyncs every append. Without it an intent is not durable
	// when the ticket is notified.
	SyncWrites bool

	// SequenceLease is how many offsets are leased from Badger at a time.
	// Unused leased offsets are skipped after a restart.
	SequenceLease uint64
}

// Handler applies a durable entry. Entries are applied one at a time, in
// offset order, while new intents keep being appended.
type Handler func(ctx context.Context, e *Entry) error

// Writer is the journal producer: it appends intents to BadgerDB and
// resolves their tickets.
type Writer struct {
	name string
	db   *badger.DB
	seq  *badger.Sequence

	mu     sync.Mutex
	closed bool
}

func entryKey(offset uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", entryPrefix, offset)
}

// Open opens (or creates) the journal database.
func Open(ctx context.Context, cfg Config) (*Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "journal"
	}
	if cfg.SequenceLease == 0 {
		cfg.SequenceLease = 128
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("journal: path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithSyncWrites(cfg.SyncWrites)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	seq, err := db.GetSequence([]byte(keySequence), cfg.SequenceLease)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal sequence: %w", err)
	}

	logger.Info("Journal %q opened (in_memory=%v sync_writes=%v)", cfg.Name, cfg.InMemory, cfg.SyncWrites)
	return &Writer{name: cfg.Name, db: db, seq: seq}, nil
}

// Name returns the journal name used in markers.
func (w *Writer) Name() string {
	return w.name
}

// Append makes intent durable and returns the resulting entry.
func (w *Writer) Append(intent *Intent) (*Entry, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}

	n, err := w.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("journal next offset: %w", err)
	}

	e := &Entry{
		Marker:     Marker{Journal: w.name, Offset: n + 1},
		Intent:     *intent,
		RecordedAt: time.Now(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode journal entry: %w", err)
	}

	if err := w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Marker.Offset), data)
	}); err != nil {
		return nil, fmt.Errorf("append journal entry: %w", err)
	}

	logger.Debug("Journal: %s %s/%s durable at %s", intent.Type, intent.Volume, intent.Snapshot, e.Marker)
	return e, nil
}

// Applied returns the offset of the last applied entry (0 when none).
func (w *Writer) Applied() (uint64, error) {
	if err := w.checkOpen(); err != nil {
		return 0, err
	}

	var applied uint64
	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyApplied))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt applied watermark (%d bytes)", len(val))
			}
			applied = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return applied, err
}

// MarkApplied advances the applied watermark to offset. It never moves the
// watermark backwards.
func (w *Writer) MarkApplied(offset uint64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	return w.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyApplied))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var cur uint64
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					cur = binary.BigEndian.Uint64(val)
				}
				return nil
			}); err != nil {
				return err
			}
			if cur >= offset {
				return nil
			}
		}
		return txn.Set([]byte(keyApplied), binary.BigEndian.AppendUint64(nil, offset))
	})
}

// Replay calls fn for every entry with offset >= from, in offset order.
// A non-nil error from fn stops the scan and is returned.
func (w *Writer) Replay(ctx context.Context, from uint64, fn func(*Entry) error) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	// collect first so fn may write to the journal
	var entries []*Entry
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(from)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			e := new(Entry)
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, e)
			}); err != nil {
				return fmt.Errorf("decode journal entry %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Compact deletes applied entries and returns how many were removed.
func (w *Writer) Compact(ctx context.Context) (int, error) {
	applied, err := w.Applied()
	if err != nil || applied == 0 {
		return 0, err
	}

	var keys [][]byte
	err = w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		end := entryKey(applied)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) > string(end) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := w.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Run consumes intents from coord until ctx is done or coord is closed.
//
// Two goroutines share the work:
//   - the consumer appends each submitted intent and notifies its ticket
//   - the applier hands durable entries past the applied watermark to apply,
//     in offset order, starting with entries an earlier run left unapplied
//
// A handler that waits for a request still in flight therefore never keeps
// another request from having its intent made durable. When coord closes,
// the applier makes one last pass so acknowledged intents are not left for
// the next run. An entry whose handler fails is still marked applied (the
// failure is logged), unless the failure was caused by ctx ending, in which
// case it is retried on the next Run.
func (w *Writer) Run(ctx context.Context, coord *Coordinator, apply Handler) error {
	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	stop := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(stop)
		return w.consume(gctx, coord, wake)
	})
	g.Go(func() error {
		return w.applyLoop(gctx, apply, wake, stop)
	})
	return g.Wait()
}

// consume appends intents and resolves their tickets, waking the applier
// after each append.
func (w *Writer) consume(ctx context.Context, coord *Coordinator, wake chan<- struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-coord.Done():
			return nil
		case intent := <-coord.Entries():
			e, err := w.Append(intent)
			if err != nil {
				logger.Error("Journal %q: append %s %s/%s failed: %v", w.name, intent.Type, intent.Volume, intent.Snapshot, err)
				coord.Fail(intent.ID, err)
				continue
			}
			if !coord.Notify(intent.ID, e.Marker) {
				logger.Debug("Journal %q: no waiter for intent %s", w.name, intent.ID)
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Writer) applyLoop(ctx context.Context, apply Handler, wake, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			if err := w.applyPending(ctx, apply); err != nil {
				return err
			}
		case <-stop:
			return w.applyPending(ctx, apply)
		}
	}
}

// applyPending applies every durable entry past the watermark.
func (w *Writer) applyPending(ctx context.Context, apply Handler) error {
	applied, err := w.Applied()
	if err != nil {
		return fmt.Errorf("read applied watermark: %w", err)
	}

	n := 0
	err = w.Replay(ctx, applied+1, func(e *Entry) error {
		n++
		return w.apply(ctx, apply, e)
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply journal: %w", err)
	}
	if n > 0 {
		logger.Debug("Journal %q: applied %d entries", w.name, n)
	}
	return nil
}

// apply runs h for e and advances the watermark. It returns an error only
// when ctx ended, leaving e to be re-applied later.
func (w *Writer) apply(ctx context.Context, h Handler, e *Entry) error {
	if h != nil {
		if err := h(ctx, e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("Journal %q: apply %s %s/%s at %s failed: %v",
				w.name, e.Intent.Type, e.Intent.Volume, e.Intent.Snapshot, e.Marker, err)
		}
	}
	if err := w.MarkApplied(e.Marker.Offset); err != nil {
		logger.Error("Journal %q: mark %s applied: %v", w.name, e.Marker, err)
	}
	return nil
}

// Close releases the sequence lease and closes the database.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.seq.Release(); err != nil {
		logger.Warn("Journal %q: release sequence: %v", w.name, err)
	}
	return w.db.Close()
}

func (w *Writer) checkOpen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return nil
}
