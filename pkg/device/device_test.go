package device

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDevice(t *testing.T, size uint64) *Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, CreateImage(path, size))

	// tmpfs rejects O_DIRECT, so tests use buffered I/O.
	dev, err := Open(path, Options{Sync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestDevice_ReadWriteRoundTrip(t *testing.T) {
	dev := openTestDevice(t, 1<<20)
	assert.Equal(t, uint64(1<<20), dev.Size())
	assert.Equal(t, uint64(DefaultAlignment), dev.Alignment())

	data := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, dev.WriteFull(data, 8192))

	got := make([]byte, 4096)
	require.NoError(t, dev.ReadFull(got, 8192))
	assert.Equal(t, data, got)

	zeros := make([]byte, 512)
	require.NoError(t, dev.ReadFull(zeros, 0))
	assert.Equal(t, make([]byte, 512), zeros)
}

func TestDevice_ReadPastEndIsShortTransfer(t *testing.T) {
	dev := openTestDevice(t, 4096)

	buf := make([]byte, 1024)
	err := dev.ReadFull(buf, 3584)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, ErrShortTransfer)
	assert.Equal(t, 512, ioErr.Done)
}

func TestDevice_ResumesPartialTransfers(t *testing.T) {
	dev := openTestDevice(t, 1<<16)

	calls := 0
	orig := dev.pwrite
	dev.pwrite = func(fd int, p []byte, off int64) (int, error) {
		calls++
		switch {
		case calls == 1:
			return 0, unix.EINTR
		case len(p) > 100:
			return orig(fd, p[:100], off)
		default:
			return orig(fd, p, off)
		}
	}

	data := bytes.Repeat([]byte("0123456789"), 50)
	require.NoError(t, dev.WriteFull(data, 0))
	assert.Greater(t, calls, 5)

	got := make([]byte, len(data))
	require.NoError(t, dev.ReadFull(got, 0))
	assert.Equal(t, data, got)
}

func TestDevice_ErrnoIsWrapped(t *testing.T) {
	dev := openTestDevice(t, 4096)
	dev.pread = func(int, []byte, int64) (int, error) { return 0, unix.EIO }

	err := dev.ReadFull(make([]byte, 512), 0)
	assert.True(t, errors.Is(err, unix.EIO))
}

func TestDevice_DirectRejectsMisaligned(t *testing.T) {
	dev := openTestDevice(t, 1<<16)
	dev.direct = true

	buf := AlignedBuffer(1024, 512)
	assert.ErrorIs(t, dev.ReadFull(buf, 100), ErrMisaligned)
	assert.ErrorIs(t, dev.ReadFull(buf[:1000], 0), ErrMisaligned)
	assert.ErrorIs(t, dev.ReadFull(AlignedBuffer(1025, 512)[1:], 0), ErrMisaligned)
	assert.NoError(t, dev.ReadFull(buf, 512))
}

func TestDevice_Closed(t *testing.T) {
	dev := openTestDevice(t, 4096)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	assert.ErrorIs(t, dev.ReadFull(make([]byte, 512), 0), ErrClosed)
}

func TestAlignedBuffer(t *testing.T) {
	for _, align := range []uint64{512, 4096} {
		buf := AlignedBuffer(8192, align)
		assert.Len(t, buf, 8192)
		assert.Equal(t, 8192, cap(buf))
		assert.True(t, IsAligned(buf, align))
	}

	assert.Equal(t, uint64(512), AlignDown(1000, 512))
	assert.Equal(t, uint64(1024), AlignUp(1000, 512))
	assert.Equal(t, uint64(1024), AlignUp(1024, 512))
}
