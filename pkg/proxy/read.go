package proxy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittosnap/internal/interval"
	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/cow"
	"github.com/marmos91/dittosnap/pkg/device"
)

// ReadSnapshot returns the content of [offset, offset+length) as seen by snap.
//
// The volume is not locked; writes may preserve blocks while the read runs.
// Two authority queries bracket the I/O:
//
//  1. Read #1: blocks served from preserved objects. The requested range
//     minus those blocks is the device region.
//  2. Copy the requested part of each preserved block from the store.
//  3. Read the device region from the live device (aligned I/O, only the
//     requested bytes are kept).
//  4. Read #2: any block reported now but not in #1 was preserved by a
//     concurrent write after the device was possibly read. Its part of the
//     device region is overwritten from the preserved object, which holds
//     the content the snapshot sees.
//
// Bytes resolved in step 2 are never revisited. A block preserved under the
// active snapshot is never un-preserved, so one extra query is enough.
func (p *Proxy) ReadSnapshot(ctx context.Context, hdr authority.Header, snap string, offset, length uint64) (out []byte, err error) {
	defer p.observe("read_snapshot", time.Now(), &err)
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if err := p.checkRange(offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	out = make([]byte, length)
	requested := interval.New(offset, length)

	// Step 1
	first, err := p.auth.Read(ctx, hdr, p.vol.Name, snap, offset, length)
	if err != nil {
		return nil, err
	}

	cowRegion := &interval.Set{}
	for _, ref := range first {
		start, end := cow.BlockBounds(ref.BlockNo, p.blockSize)
		cowRegion.InsertInterval(interval.Interval{Start: start, End: end})
	}
	cowRegion.IntersectWith(requested)
	deviceRegion := requested.Difference(cowRegion)

	// Steps 2 and 3 touch disjoint parts of out and run concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.readConcurrency)

	for _, ref := range first {
		p.fetchPreserved(gctx, g, ref, requested, offset, out)
	}
	for _, iv := range deviceRegion.Intervals() {
		for _, r := range cow.Split(iv.Start, iv.Len(), p.blockSize) {
			g.Go(func() error {
				return p.readDevice(r.Offset, r.Length, out[r.Offset-offset:r.End()-offset])
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 4
	second, err := p.auth.Read(ctx, hdr, p.vol.Name, snap, offset, length)
	if err != nil {
		return nil, fmt.Errorf("snapshot read %s/%s: confirm preserved blocks: %w", p.vol.Name, snap, err)
	}

	seen := make(map[uint64]struct{}, len(first))
	for _, ref := range first {
		seen[ref.BlockNo] = struct{}{}
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(p.readConcurrency)
	reconciled := 0
	for _, ref := range second {
		if _, ok := seen[ref.BlockNo]; ok {
			continue
		}
		reconciled++
		p.fetchPreserved(gctx, g, ref, deviceRegion, offset, out)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if reconciled > 0 {
		logger.Debug("Snapshot read %s/%s [%d,+%d): %d blocks preserved during the read",
			p.vol.Name, snap, offset, length, reconciled)
		p.metrics.RecordReconciledBlocks(reconciled)
	}
	p.metrics.RecordBytes("read_snapshot", len(out))
	return out, nil
}

// fetchPreserved schedules copying the parts of ref's block that fall in
// region from its preserved object into out (which starts at base).
func (p *Proxy) fetchPreserved(ctx context.Context, g *errgroup.Group, ref authority.BlockRef, region *interval.Set, base uint64, out []byte) {
	start, end := cow.BlockBounds(ref.BlockNo, p.blockSize)
	overlap := interval.FromIntervals(interval.Interval{Start: start, End: end}).Intersection(region)

	for _, iv := range overlap.Intervals() {
		g.Go(func() error {
			dst := out[iv.Start-base : iv.End-base]
			if err := p.store.Get(ctx, ref.Object, dst, iv.Start-start); err != nil {
				return ioError(fmt.Sprintf("fetch block %d from %s", ref.BlockNo, ref.Object), err)
			}
			return nil
		})
	}
}

// readDevice reads [offset, offset+length) into dst, widening the device
// I/O to the alignment unit.
func (p *Proxy) readDevice(offset, length uint64, dst []byte) error {
	spanStart := device.AlignDown(offset, p.alignment)
	spanEnd := min(device.AlignUp(offset+length, p.alignment), p.dev.Size())

	buf := device.AlignedBuffer(int(spanEnd-spanStart), p.alignment)
	if err := p.dev.ReadFull(buf, spanStart); err != nil {
		return ioError(fmt.Sprintf("read device [%d,+%d)", offset, length), err)
	}
	copy(dst, buf[offset-spanStart:])
	return nil
}
