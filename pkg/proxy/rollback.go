package proxy

import (
	"context"
	"fmt"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/device"
)

// rollbackBlock restores one block to the content held by ref.Object.
//
//  1. Read the block's current content from the device
//  2. Run the write-intercept in rollback mode: if the active snapshot
//     still needs the current content, preserve and commit it; otherwise do
//     nothing
//  3. Read the target content from the preserved object and write it to the
//     device
//
// In rollback mode the intercept does not write the just-read content back
// to the device; step 3 overwrites the whole block anyway.
func (p *Proxy) rollbackBlock(ctx context.Context, ref authority.BlockRef) error {
	unlock := p.lockBlock(ref.BlockNo)
	defer unlock()

	// Step 1
	start, current, err := p.readBlock(ref.BlockNo)
	if err != nil {
		return err
	}

	// Step 2
	if act := p.active.Load(); act.Exists {
		if err := p.preserveForRollback(ctx, act.Name, ref.BlockNo, current); err != nil {
			return err
		}
	}

	// Step 3
	target := device.AlignedBuffer(len(current), p.alignment)
	if err := p.store.Get(ctx, ref.Object, target, 0); err != nil {
		return ioError(fmt.Sprintf("fetch rollback target %s for block %d", ref.Object, ref.BlockNo), err)
	}
	if err := p.dev.WriteFull(target, start); err != nil {
		return ioError(fmt.Sprintf("restore block %d", ref.BlockNo), err)
	}
	return nil
}

func (p *Proxy) preserveForRollback(ctx context.Context, active string, blockNo uint64, current []byte) error {
	d, err := p.auth.CowQuery(ctx, p.vol.Name, active, blockNo)
	if err != nil {
		return err
	}
	p.metrics.RecordCowDecision(d.NeedsPreservation)
	if !d.NeedsPreservation {
		return nil
	}

	if err := p.store.Put(ctx, d.Object, current, 0); err != nil {
		return ioError(fmt.Sprintf("preserve block %d as %s", blockNo, d.Object), err)
	}
	if err := p.auth.CowCommit(ctx, p.vol.Name, active, blockNo, d.Object); err != nil {
		// the device is untouched; the object is an orphan for GC
		return err
	}
	logger.Debug("Volume %s: block %d preserved as %s under %s before rollback", p.vol.Name, blockNo, d.Object, active)
	return nil
}
