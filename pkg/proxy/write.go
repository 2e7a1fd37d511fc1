package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/cow"
	"github.com/marmos91/dittosnap/pkg/device"
)

// Write writes data to the volume at offset, preserving the pre-image of
// every block that the active snapshot still needs.
//
// Without an active snapshot the data goes straight to the device. Otherwise
// the range is split on block boundaries and each piece runs the COW path
// (writeBlock) in order; the first failure aborts the write. Offsets and
// lengths need not be aligned: partial sectors are read, patched and written
// back.
//
// Returns ErrOutOfRange, an authority error, an ErrIO error, or a
// *ReconcileError when a block's mapping could not be committed after its
// new data reached the device.
func (p *Proxy) Write(ctx context.Context, offset uint64, data []byte) (err error) {
	defer p.observe("write", time.Now(), &err)
	if err := p.checkOpen(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := p.checkRange(offset, uint64(len(data))); err != nil {
		return err
	}

	if !p.active.Load().Exists {
		written, err := p.writeUnprotected(offset, data)
		if err != nil {
			return err
		}
		if written {
			p.metrics.RecordBytes("write", len(data))
			return nil
		}
	}

	act := p.active.Load()

	for _, r := range cow.Split(offset, uint64(len(data)), p.blockSize) {
		piece := data[r.Offset-offset : r.End()-offset]
		if err := p.writeBlock(ctx, act.Name, r, piece); err != nil {
			return err
		}
	}
	p.metrics.RecordBytes("write", len(data))
	return nil
}

// writeBlock runs the COW path for one block-contained range.
//
// A stale cached active snapshot (the authority answers not-active) is
// refreshed once and the block retried against the new active snapshot.
// An empty active name means the snapshot went away since the caller
// looked; the block then takes the unprotected path.
func (p *Proxy) writeBlock(ctx context.Context, active string, r cow.Range, data []byte) error {
	if active != "" {
		err := p.cowWrite(ctx, active, r, data)
		if !authority.IsStatus(err, authority.StatusNotActive) {
			return err
		}

		fresh, serr := p.Sync(ctx)
		if serr != nil {
			return err
		}
		logger.Debug("Volume %s: active snapshot changed %q -> %q during write of block %d",
			p.vol.Name, active, fresh, r.BlockNo)
		active = fresh
	}

	if active == "" {
		written, err := p.writeUnprotected(r.Offset, data)
		if written || err != nil {
			return err
		}
		active = p.active.Load().Name
	}
	return p.cowWrite(ctx, active, r, data)
}

// writeUnprotected writes data straight to the device if no snapshot is
// active and reports whether it did. The check and the write happen under
// the shared transition lock, so a snapshot committed concurrently either
// sees the write as part of its content or protects it.
func (p *Proxy) writeUnprotected(offset uint64, data []byte) (bool, error) {
	p.transition.RLock()
	defer p.transition.RUnlock()

	if p.active.Load().Exists {
		return false, nil
	}
	return true, p.writeDevice(offset, data)
}

// cowWrite is the write-intercept for one block:
//
//  1. CowQuery the block under the active snapshot
//  2. No preservation needed: write the data to the device
//  3. Preservation needed: read the whole block, Put it under the object
//     name the authority chose, write the new data, CowCommit the mapping
//
// The block stays locked from the query to the commit so two writers of the
// same block cannot both preserve it (the second would store the first
// one's data as the pre-image).
func (p *Proxy) cowWrite(ctx context.Context, active string, r cow.Range, data []byte) error {
	unlock := p.lockBlock(r.BlockNo)
	defer unlock()

	d, err := p.auth.CowQuery(ctx, p.vol.Name, active, r.BlockNo)
	if err != nil {
		return err
	}
	p.metrics.RecordCowDecision(d.NeedsPreservation)

	if !d.NeedsPreservation {
		return p.writeDevice(r.Offset, data)
	}

	start, img, err := p.readBlock(r.BlockNo)
	if err != nil {
		return err
	}
	if err := p.store.Put(ctx, d.Object, img, 0); err != nil {
		return ioError(fmt.Sprintf("preserve block %d as %s", r.BlockNo, d.Object), err)
	}

	// The pre-image is safe; patch the new data into the block buffer and
	// write back only the aligned span it touches.
	copy(img[r.Offset-start:], data)
	spanStart := device.AlignDown(r.Offset, p.alignment)
	spanEnd := min(device.AlignUp(r.End(), p.alignment), start+uint64(len(img)))
	if err := p.dev.WriteFull(img[spanStart-start:spanEnd-start], spanStart); err != nil {
		return ioError(fmt.Sprintf("write block %d", r.BlockNo), err)
	}

	if err := p.auth.CowCommit(ctx, p.vol.Name, active, r.BlockNo, d.Object); err != nil {
		logger.Error("Volume %s: block %d written but mapping to %s not committed: %v",
			p.vol.Name, r.BlockNo, d.Object, err)
		return &ReconcileError{Volume: p.vol.Name, Snapshot: active, BlockNo: r.BlockNo, Object: d.Object, Err: err}
	}

	logger.Debug("Volume %s: block %d preserved as %s under %s", p.vol.Name, r.BlockNo, d.Object, active)
	return nil
}

// readBlock reads a whole block into an aligned buffer. The last block of a
// device whose size is not a multiple of the block size is short.
func (p *Proxy) readBlock(blockNo uint64) (start uint64, img []byte, err error) {
	start, end := cow.BlockBounds(blockNo, p.blockSize)
	end = min(end, p.dev.Size())
	if start >= end {
		return 0, nil, fmt.Errorf("%w: block %d", ErrOutOfRange, blockNo)
	}

	img = device.AlignedBuffer(int(end-start), p.alignment)
	if err := p.dev.ReadFull(img, start); err != nil {
		return 0, nil, ioError(fmt.Sprintf("read block %d", blockNo), err)
	}
	return start, img, nil
}

// writeDevice writes data at offset with aligned device I/O. Unaligned edges
// are completed from the device first.
func (p *Proxy) writeDevice(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	spanStart := device.AlignDown(offset, p.alignment)
	spanEnd := min(device.AlignUp(end, p.alignment), p.dev.Size())

	if spanStart == offset && spanEnd == end && device.IsAligned(data, p.alignment) {
		if err := p.dev.WriteFull(data, offset); err != nil {
			return ioError("write", err)
		}
		return nil
	}

	buf := device.AlignedBuffer(int(spanEnd-spanStart), p.alignment)
	if spanStart != offset || spanEnd != end {
		if err := p.dev.ReadFull(buf, spanStart); err != nil {
			return ioError("read for partial write", err)
		}
	}
	copy(buf[offset-spanStart:], data)
	if err := p.dev.WriteFull(buf, spanStart); err != nil {
		return ioError("write", err)
	}
	return nil
}
