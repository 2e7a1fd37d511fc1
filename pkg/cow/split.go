// Package cow contains the block arithmetic used by copy-on-write bookkeeping.
//
// A volume is divided into fixed-size COW blocks; the metadata authority tracks
// preservation state per block number. Every byte range touched by a write,
// read or rollback is first partitioned into block-bounded slices so each slice
// maps to exactly one block.
package cow

import (
	"errors"
	"fmt"
)

const (
	// DefaultBlockSize is the COW granularity used when none is configured (1MB).
	DefaultBlockSize = 1 << 20

	// MinBlockSize is the smallest accepted block size (4KB).
	MinBlockSize = 4 << 10

	// MaxBlockSize is the largest accepted block size (64MB).
	MaxBlockSize = 64 << 20
)

// ErrInvalidBlockSize is returned by ValidateBlockSize.
var ErrInvalidBlockSize = errors.New("invalid cow block size")

// Range is one block-bounded slice of a larger I/O request.
type Range struct {
	// Offset is the absolute byte offset of the slice on the volume.
	Offset uint64

	// Length is the slice length; Offset+Length never crosses a block boundary.
	Length uint64

	// BlockNo is Offset / block size.
	BlockNo uint64
}

// End returns the exclusive end offset of the slice.
func (r Range) End() uint64 {
	return r.Offset + r.Length
}

// InBlockOffset returns the offset of the slice relative to its block start.
func (r Range) InBlockOffset(blockSize uint64) uint64 {
	return r.Offset - r.BlockNo*blockSize
}

func (r Range) String() string {
	return fmt.Sprintf("blk=%d off=%d len=%d", r.BlockNo, r.Offset, r.Length)
}

// Split partitions [offset, offset+length) into block-bounded slices.
//
// The result is ordered, contiguous and covers the request exactly. A zero
// length yields an empty slice. blockSize must be non-zero.
//
// Example with blockSize=4096:
//
//	Split(4000, 200, 4096) → [{4000 96 0} {4096 104 1}]
func Split(offset, length, blockSize uint64) []Range {
	if length == 0 || blockSize == 0 {
		return nil
	}

	first := offset / blockSize
	last := (offset + length - 1) / blockSize
	out := make([]Range, 0, last-first+1)

	pos := offset
	remaining := length
	for remaining > 0 {
		blockNo := pos / blockSize
		boundary := (blockNo + 1) * blockSize
		n := min(remaining, boundary-pos)

		out = append(out, Range{Offset: pos, Length: n, BlockNo: blockNo})
		pos += n
		remaining -= n
	}
	return out
}

// BlockBounds returns the byte range [start, end) of a block.
func BlockBounds(blockNo, blockSize uint64) (start, end uint64) {
	start = blockNo * blockSize
	return start, start + blockSize
}

// Blocks returns the block numbers touched by [offset, offset+length).
func Blocks(offset, length, blockSize uint64) []uint64 {
	ranges := Split(offset, length, blockSize)
	out := make([]uint64, len(ranges))
	for i, r := range ranges {
		out[i] = r.BlockNo
	}
	return out
}

// ValidateBlockSize checks that size is a power of two within limits and a
// multiple of the device alignment.
func ValidateBlockSize(size, alignment uint64) error {
	if size < MinBlockSize || size > MaxBlockSize {
		return fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidBlockSize, size, MinBlockSize, MaxBlockSize)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of two", ErrInvalidBlockSize, size)
	}
	if alignment != 0 && size%alignment != 0 {
		return fmt.Errorf("%w: %d is not a multiple of alignment %d", ErrInvalidBlockSize, size, alignment)
	}
	return nil
}
