// Package memory implements an in-memory preservation store.
//
// It is used by tests and by single-process development setups where losing
// preserved images on restart is acceptable.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dittosnap/pkg/store/block"
)

type object struct {
	data    []byte
	modTime time.Time
}

// MemoryBlockStore keeps objects in a map guarded by a RWMutex. Data is copied
// on the way in and out so callers never share buffers with the store.
type MemoryBlockStore struct {
	mu      sync.RWMutex
	objects map[string]*object
	closed  bool
}

// NewMemoryBlockStore creates an empty store.
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{
		objects: make(map[string]*object),
	}
}

func (s *MemoryBlockStore) Put(ctx context.Context, name string, data []byte, offset uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := block.ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return block.ErrStoreClosed
	}

	end := offset + uint64(len(data))
	buf := make([]byte, end)
	if obj, ok := s.objects[name]; ok {
		copy(buf[:offset], obj.data)
	}
	copy(buf[offset:], data)

	s.objects[name] = &object{data: buf, modTime: time.Now()}
	return nil
}

func (s *MemoryBlockStore) Get(ctx context.Context, name string, p []byte, offset uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return block.ErrStoreClosed
	}

	obj, ok := s.objects[name]
	if !ok {
		return fmt.Errorf("object %s: %w", name, block.ErrObjectNotFound)
	}
	if offset+uint64(len(p)) > uint64(len(obj.data)) {
		return fmt.Errorf("object %s: read %d@%d of %d bytes: %w",
			name, len(p), offset, len(obj.data), block.ErrShortTransfer)
	}

	copy(p, obj.data[offset:])
	return nil
}

func (s *MemoryBlockStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return block.ErrStoreClosed
	}
	delete(s.objects, name)
	return nil
}

func (s *MemoryBlockStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, block.ErrStoreClosed
	}
	_, ok := s.objects[name]
	return ok, nil
}

func (s *MemoryBlockStore) List(ctx context.Context, prefix string) ([]block.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, block.ErrStoreClosed
	}

	var out []block.ObjectInfo
	for name, obj := range s.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, block.ObjectInfo{
				Name:    name,
				Size:    int64(len(obj.data)),
				ModTime: obj.modTime,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryBlockStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return block.ErrStoreClosed
	}
	return nil
}

func (s *MemoryBlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.objects = nil
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryBlockStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ block.Store = (*MemoryBlockStore)(nil)
