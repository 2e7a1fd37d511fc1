// Package device provides positional, retrying I/O against a raw block device
// or an image file standing in for one.
//
// Reads and writes run to completion: partial transfers are resumed until the
// whole request is satisfied, and a zero-length transfer is reported as an
// *IOError wrapping ErrShortTransfer. When the device is opened for direct I/O
// callers must align offsets, lengths and buffer addresses to Alignment(); the
// layer rejects misaligned requests instead of rounding them.
package device

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/dittosnap/internal/logger"
)

// DefaultAlignment is the sector size assumed when none is configured.
const DefaultAlignment = 512

// Options controls how a device is opened.
type Options struct {
	// DirectIO bypasses the page cache (O_DIRECT where supported).
	DirectIO bool

	// Sync makes every write durable before it returns (O_SYNC).
	Sync bool

	// ReadOnly opens the device without write access.
	ReadOnly bool

	// Alignment is the I/O alignment unit. Zero selects DefaultAlignment.
	Alignment uint64
}

// Device is an open block device. All methods are safe for concurrent use;
// positional I/O shares no file offset.
type Device struct {
	path      string
	fd        int
	direct    bool
	alignment uint64
	size      uint64

	mu     sync.RWMutex
	closed bool

	// overridable in tests
	pread  func(fd int, p []byte, off int64) (int, error)
	pwrite func(fd int, p []byte, off int64) (int, error)
}

// Open opens the device at path.
//
// The size is taken from the end offset of the file, which works for both
// block special files and regular image files.
func Open(path string, opts Options) (*Device, error) {
	alignment := opts.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("device alignment %d is not a power of two", alignment)
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.ReadOnly {
		flags = unix.O_RDONLY | unix.O_CLOEXEC
	}
	if opts.Sync {
		flags |= unix.O_SYNC
	}
	if opts.DirectIO {
		flags |= directFlag
	}

	fd, err := openRetry(path, flags)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}

	end, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("size device %s: %w", path, err)
	}

	if opts.DirectIO {
		if err := afterOpenDirect(fd); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("enable direct i/o on %s: %w", path, err)
		}
	}

	logger.Debug("device opened: path=%s size=%d direct=%t sync=%t alignment=%d",
		path, end, opts.DirectIO, opts.Sync, alignment)

	return &Device{
		path:      path,
		fd:        fd,
		direct:    opts.DirectIO,
		alignment: alignment,
		size:      uint64(end),
		pread:     unix.Pread,
		pwrite:    unix.Pwrite,
	}, nil
}

// CreateImage creates (or extends) a sparse regular file of the given size
// suitable for use as a device in development and tests.
func CreateImage(path string, size uint64) error {
	fd, err := openRetry(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC)
	if err != nil {
		return fmt.Errorf("create image %s: %w", path, err)
	}
	defer func() { _ = unix.Close(fd) }()

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fmt.Errorf("truncate image %s: %w", path, err)
	}
	return nil
}

func openRetry(path string, flags int) (int, error) {
	for {
		fd, err := unix.Open(path, flags, 0o644)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

// Path returns the path the device was opened from.
func (d *Device) Path() string {
	return d.path
}

// Size returns the device size in bytes.
func (d *Device) Size() uint64 {
	return d.size
}

// Alignment returns the unit callers must align direct I/O to.
func (d *Device) Alignment() uint64 {
	return d.alignment
}

// Direct reports whether the device bypasses the page cache.
func (d *Device) Direct() bool {
	return d.direct
}

// ReadFull fills p from offset off, resuming partial reads.
func (d *Device) ReadFull(p []byte, off uint64) error {
	return d.transfer("read", d.pread, p, off)
}

// WriteFull writes all of p at offset off, resuming partial writes.
func (d *Device) WriteFull(p []byte, off uint64) error {
	return d.transfer("write", d.pwrite, p, off)
}

func (d *Device) transfer(op string, fn func(int, []byte, int64) (int, error), p []byte, off uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}
	if d.direct {
		if err := d.checkAligned(p, off); err != nil {
			return &IOError{Op: op, Path: d.path, Offset: off, Length: len(p), Err: err}
		}
	}

	done := 0
	for done < len(p) {
		n, err := fn(d.fd, p[done:], int64(off)+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &IOError{Op: op, Path: d.path, Offset: off, Length: len(p), Done: done, Err: err}
		}
		if n <= 0 {
			return &IOError{Op: op, Path: d.path, Offset: off, Length: len(p), Done: done, Err: ErrShortTransfer}
		}
		done += n
	}
	return nil
}

func (d *Device) checkAligned(p []byte, off uint64) error {
	mask := d.alignment - 1
	if off&mask != 0 || uint64(len(p))&mask != 0 || !IsAligned(p, d.alignment) {
		return ErrMisaligned
	}
	return nil
}

// Close releases the file descriptor. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}
