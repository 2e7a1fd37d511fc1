package proxy

import (
	"context"
	"sync"
)

// SyncTable marks snapshot names with an operation in flight.
//
// It never blocks Add: operations on the same name may overlap, each holding
// a reference. Transactions use WaitClear to park until every reference on
// the name is released. The mutex guards only the map; it is never held
// across an authority call.
type SyncTable struct {
	mu      sync.Mutex
	entries map[string]*syncEntry
}

type syncEntry struct {
	action string
	refs   int
	clear  chan struct{}
}

// NewSyncTable returns an empty table.
func NewSyncTable() *SyncTable {
	return &SyncTable{entries: make(map[string]*syncEntry)}
}

// Add marks name as busy with action and returns the function that releases
// the mark. Calling release more than once is harmless.
func (t *SyncTable) Add(name, action string) (release func()) {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		e = &syncEntry{clear: make(chan struct{})}
		t.entries[name] = e
	}
	e.refs++
	e.action = action
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.release(name, e) })
	}
}

func (t *SyncTable) release(name string, e *syncEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(t.entries, name)
		close(e.clear)
	}
}

// Lookup returns the most recent action recorded for name.
func (t *SyncTable) Lookup(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return "", false
	}
	return e.action, true
}

// WaitClear blocks until name has no entry or ctx is done. An entry added
// after the wait started is waited for as well.
func (t *SyncTable) WaitClear(ctx context.Context, name string) error {
	for {
		t.mu.Lock()
		e, ok := t.entries[name]
		t.mu.Unlock()
		if !ok {
			return nil
		}

		select {
		case <-e.clear:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of busy names.
func (t *SyncTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
