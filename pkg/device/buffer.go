package device

import "unsafe"

// AlignedBuffer returns a zeroed slice of length size whose first byte sits on
// an align-byte boundary, as required for O_DIRECT transfers.
func AlignedBuffer(size int, align uint64) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	raw := make([]byte, size+int(align))
	shift := 0
	if rem := uint64(uintptr(unsafe.Pointer(&raw[0]))) & (align - 1); rem != 0 {
		shift = int(align - rem)
	}
	return raw[shift : shift+size : shift+size]
}

// IsAligned reports whether the address of p is a multiple of align.
func IsAligned(p []byte, align uint64) bool {
	if len(p) == 0 || align <= 1 {
		return true
	}
	return uint64(uintptr(unsafe.Pointer(&p[0])))&(align-1) == 0
}

// AlignDown rounds v down to a multiple of align (a power of two).
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align (a power of two).
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
