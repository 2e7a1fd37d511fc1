// Package fs implements a preservation store on the local filesystem.
//
// Object names map directly to relative paths under the base directory, so
// "vol0/s1/<uuid>" is stored as <base>/vol0/s1/<uuid>. Every Put is fsynced
// before it returns: the authority records the mapping right after, and a
// mapping must never point at an image that a crash could lose.
//
// Put writes a file under <base>/.staging and renames it over the object,
// so a crash never leaves a torn image under an object name. Leftover
// staging files are removed when the store is opened.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosnap/pkg/store/block"
)

// stagingDir holds Put's files until they are renamed into place. It is not
// a valid first name segment for objects.
const stagingDir = ".staging"

// FSBlockStore stores each object as one regular file.
type FSBlockStore struct {
	basePath string
	metrics  block.Metrics
	closed   atomic.Bool
}

// NewFSBlockStore creates the base directory if needed and returns the store.
//
// Parameters:
//   - ctx: Context checked before touching the filesystem
//   - basePath: Root directory for object files
//   - metrics: Optional metrics sink (nil disables)
func NewFSBlockStore(ctx context.Context, basePath string, metrics block.Metrics) (*FSBlockStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if basePath == "" {
		return nil, fmt.Errorf("filesystem block store: path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	staging := filepath.Join(basePath, stagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &FSBlockStore{
		basePath: basePath,
		metrics:  block.OrNoop(metrics),
	}, nil
}

func (s *FSBlockStore) path(name string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(name))
}

func (s *FSBlockStore) validate(name string) error {
	if err := block.ValidateName(name); err != nil {
		return err
	}
	if name == stagingDir || strings.HasPrefix(name, stagingDir+"/") {
		return fmt.Errorf("%w: %q is reserved", block.ErrInvalidName, name)
	}
	return nil
}

func (s *FSBlockStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return block.ErrStoreClosed
	}
	return nil
}

func (s *FSBlockStore) Put(ctx context.Context, name string, data []byte, offset uint64) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("Put", time.Since(start), err)
		if err == nil {
			s.metrics.RecordBytes("write", int64(len(data)))
		}
	}()

	if err = s.check(ctx); err != nil {
		return err
	}
	if err = s.validate(name); err != nil {
		return err
	}

	path := s.path(name)
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("object %s: create parent: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.basePath, stagingDir), "put-*")
	if err != nil {
		return fmt.Errorf("object %s: create staging file: %w", name, err)
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	// bytes before offset are kept from the current object
	if offset > 0 {
		if err = copyPrefix(tmp, path, int64(offset)); err != nil {
			return fmt.Errorf("object %s: copy existing bytes: %w", name, err)
		}
	}

	n, err := tmp.WriteAt(data, int64(offset))
	if err != nil {
		return fmt.Errorf("object %s: write: %w", name, err)
	}
	if n != len(data) {
		return fmt.Errorf("object %s: wrote %d of %d bytes: %w", name, n, len(data), block.ErrShortTransfer)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("object %s: sync: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("object %s: close: %w", name, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("object %s: rename: %w", name, err)
	}
	renamed = true

	if err = syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("object %s: sync directory: %w", name, err)
	}
	return nil
}

// copyPrefix copies up to n leading bytes of the file at path into dst. A
// missing or shorter file leaves the rest as a hole, which reads as zeros.
func copyPrefix(dst *os.File, path string, n int64) error {
	src, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	_, err = io.Copy(dst, io.LimitReader(src, n))
	return err
}

// syncDir makes a rename in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}

func (s *FSBlockStore) Get(ctx context.Context, name string, p []byte, offset uint64) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("Get", time.Since(start), err)
		if err == nil {
			s.metrics.RecordBytes("read", int64(len(p)))
		}
	}()

	if err = s.check(ctx); err != nil {
		return err
	}
	if err = s.validate(name); err != nil {
		return err
	}

	f, err := os.Open(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("object %s: %w", name, block.ErrObjectNotFound)
		}
		return fmt.Errorf("object %s: open: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	n, err := f.ReadAt(p, int64(offset))
	if err == io.EOF || (err == nil && n < len(p)) {
		return fmt.Errorf("object %s: read %d of %d bytes at %d: %w", name, n, len(p), offset, block.ErrShortTransfer)
	}
	if err != nil {
		return fmt.Errorf("object %s: read: %w", name, err)
	}
	return nil
}

func (s *FSBlockStore) Delete(ctx context.Context, name string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.validate(name); err != nil {
		return err
	}

	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("object %s: delete: %w", name, err)
	}
	return nil
}

func (s *FSBlockStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if err := s.validate(name); err != nil {
		return false, err
	}

	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("object %s: stat: %w", name, err)
}

// List walks the base directory. Names use forward slashes on every platform.
func (s *FSBlockStore) List(ctx context.Context, prefix string) ([]block.ObjectInfo, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []block.ObjectInfo
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == filepath.Join(s.basePath, stagingDir) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, block.ObjectInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FSBlockStore) HealthCheck(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("filesystem block store: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("filesystem block store: %s is not a directory", s.basePath)
	}
	return nil
}

func (s *FSBlockStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ block.Store = (*FSBlockStore)(nil)
