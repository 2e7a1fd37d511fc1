package device

import (
	"errors"
	"fmt"
)

var (
	// ErrShortTransfer indicates the kernel reported a zero-length transfer
	// before the request was satisfied (end of device or a dead disk).
	ErrShortTransfer = errors.New("short transfer")

	// ErrMisaligned indicates an offset, length or buffer address that is not
	// a multiple of the alignment unit of a direct I/O device.
	ErrMisaligned = errors.New("misaligned device i/o")

	// ErrClosed is returned by any operation on a closed device.
	ErrClosed = errors.New("device closed")
)

// IOError describes a failed positional transfer.
//
// Err is either ErrShortTransfer or the errno returned by the kernel. Done is
// the number of bytes that were transferred before the failure.
type IOError struct {
	Op     string
	Path   string
	Offset uint64
	Length int
	Done   int
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s off=%d len=%d done=%d: %v", e.Op, e.Path, e.Offset, e.Length, e.Done, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
