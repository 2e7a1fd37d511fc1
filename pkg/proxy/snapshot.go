package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/journal"
)

// Create takes a snapshot of the volume.
//
// Flow:
//  1. Check the volume policy for hdr.SnapType
//  2. Mark snap busy in the SyncTable
//  3. When the volume requires it, make a create intent durable
//  4. Register the snapshot with the authority (state creating)
//  5. Release the SyncTable mark
//  6. Commit the create transaction: inline when no journal was used,
//     otherwise the journal's replay handler runs it (ApplyEntry)
//
// Returns ErrPolicyDenied, an authority error from step 4, or an
// ErrTransaction from step 6.
func (p *Proxy) Create(ctx context.Context, hdr authority.Header, snap string) (err error) {
	defer p.observe("create", time.Now(), &err)
	if err := p.checkOpen(); err != nil {
		return err
	}
	if !p.vol.SnapshotAllowed(hdr.SnapType) {
		return fmt.Errorf("%w: create %s/%s (%s snapshot on %s volume)",
			ErrPolicyDenied, p.vol.Name, snap, hdr.SnapType, p.vol.Role)
	}

	journaled, err := p.request(ctx, "snapshot on creating", journal.EntryCreate, hdr, snap, func() error {
		return p.auth.Create(ctx, hdr, p.vol.Name, snap)
	})
	if err != nil {
		logger.Error("Create snapshot %s/%s failed: %v", p.vol.Name, snap, err)
		return err
	}
	logger.Info("Create snapshot %s/%s ok (journaled=%v)", p.vol.Name, snap, journaled)

	if journaled {
		return nil
	}
	return p.CreateTransaction(ctx, hdr, snap)
}

// Delete removes a snapshot. It follows the same flow as Create.
func (p *Proxy) Delete(ctx context.Context, hdr authority.Header, snap string) (err error) {
	defer p.observe("delete", time.Now(), &err)
	if err := p.checkOpen(); err != nil {
		return err
	}
	if !p.vol.SnapshotAllowed(hdr.SnapType) {
		return fmt.Errorf("%w: delete %s/%s (%s snapshot on %s volume)",
			ErrPolicyDenied, p.vol.Name, snap, hdr.SnapType, p.vol.Role)
	}

	journaled, err := p.request(ctx, "snapshot on deleting", journal.EntryDelete, hdr, snap, func() error {
		return p.auth.Delete(ctx, hdr, p.vol.Name, snap)
	})
	if err != nil {
		logger.Error("Delete snapshot %s/%s failed: %v", p.vol.Name, snap, err)
		return err
	}
	logger.Info("Delete snapshot %s/%s ok (journaled=%v)", p.vol.Name, snap, journaled)

	if journaled {
		return nil
	}
	return p.DeleteTransaction(ctx, hdr, snap)
}

// Rollback reverts the volume to snap. The request step only validates that
// the snapshot exists; the block work happens in RollbackTransaction.
//
// A snapshot left rolling_back by an aborted rollback is accepted as well:
// the rollback resumes and restores every block again.
func (p *Proxy) Rollback(ctx context.Context, hdr authority.Header, snap string) (err error) {
	defer p.observe("rollback", time.Now(), &err)
	if err := p.checkOpen(); err != nil {
		return err
	}
	if !p.vol.SnapshotAllowed(hdr.SnapType) {
		return fmt.Errorf("%w: rollback %s/%s (%s snapshot on %s volume)",
			ErrPolicyDenied, p.vol.Name, snap, hdr.SnapType, p.vol.Role)
	}

	journaled, err := p.request(ctx, "snapshot on rollback", journal.EntryRollback, hdr, snap, func() error {
		status, err := p.auth.Query(ctx, p.vol.Name, snap)
		if err != nil {
			return err
		}
		if status != authority.StatusCreated && status != authority.StatusRollingBack {
			return authority.NewStatusError("rollback", authority.StatusInvalidState,
				"snapshot %s/%s is %s", p.vol.Name, snap, status)
		}
		return nil
	})
	if err != nil {
		logger.Error("Rollback snapshot %s/%s failed: %v", p.vol.Name, snap, err)
		return err
	}
	logger.Info("Rollback snapshot %s/%s accepted (journaled=%v)", p.vol.Name, snap, journaled)

	if journaled {
		return nil
	}
	return p.RollbackTransaction(ctx, hdr, snap)
}

// request runs the common part of create, delete and rollback: SyncTable
// mark, optional durable intent, the authority call. It reports whether a
// journal intent was recorded.
func (p *Proxy) request(ctx context.Context, action string, kind journal.EntryType, hdr authority.Header, snap string, call func() error) (bool, error) {
	release := p.syncTable.Add(snap, action)
	defer release()

	journaled := false
	if p.vol.JournalRequired(hdr.SnapType) {
		marker, err := p.recordIntent(ctx, kind, hdr, snap)
		if err != nil {
			return false, err
		}
		journaled = true
		logger.Info("%s %s/%s durable at %s", kind, p.vol.Name, snap, marker)
	}

	return journaled, call()
}

func (p *Proxy) recordIntent(ctx context.Context, kind journal.EntryType, hdr authority.Header, snap string) (journal.Marker, error) {
	if p.journal == nil {
		return journal.Marker{}, fmt.Errorf("volume %s requires a journal but none is configured", p.vol.Name)
	}

	ticket, err := p.journal.Submit(ctx, &journal.Intent{
		Type:     kind,
		Volume:   p.vol.Name,
		Snapshot: snap,
		Header:   hdr,
	})
	if err != nil {
		return journal.Marker{}, fmt.Errorf("submit %s intent: %w", kind, err)
	}
	marker, err := ticket.Wait(ctx)
	if err != nil {
		return journal.Marker{}, fmt.Errorf("wait for %s intent: %w", kind, err)
	}
	return marker, nil
}

// List returns the volume's snapshots.
func (p *Proxy) List(ctx context.Context) ([]string, error) {
	return p.auth.List(ctx, p.vol.Name)
}

// Query returns a snapshot's status.
func (p *Proxy) Query(ctx context.Context, snap string) (authority.SnapStatus, error) {
	return p.auth.Query(ctx, p.vol.Name, snap)
}

// Diff returns the block runs that changed between two snapshots, or
// between first and the live volume when last is empty.
func (p *Proxy) Diff(ctx context.Context, hdr authority.Header, first, last string) ([]authority.DiffRange, error) {
	return p.auth.Diff(ctx, hdr, p.vol.Name, first, last)
}

// ============================================================================
// Transactions
// ============================================================================

// CreateTransaction commits a created snapshot, making it the active one.
// When the commit is rejected the snapshot is removed again.
func (p *Proxy) CreateTransaction(ctx context.Context, hdr authority.Header, snap string) error {
	err := p.transaction(ctx, hdr, snap, authority.CreateEvent)
	if err == nil {
		return nil
	}

	if _, uerr := p.update(ctx, hdr, snap, authority.DeleteEvent); uerr != nil {
		logger.Error("Create transaction %s/%s: compensating delete failed: %v", p.vol.Name, snap, uerr)
	}
	return err
}

// DeleteTransaction commits a snapshot deletion.
func (p *Proxy) DeleteTransaction(ctx context.Context, hdr authority.Header, snap string) error {
	return p.transaction(ctx, hdr, snap, authority.DeleteEvent)
}

// RollbackTransaction restores every block that differs from snap.
//
// Flow:
//  1. Commit a rollback event, moving snap to rolling_back. A snapshot
//     already rolling_back (an earlier attempt aborted) skips this step.
//  2. Ask the authority for the blocks to restore
//  3. Restore them in order (see rollbackBlock)
//  4. Commit a second rollback event, returning snap to created
//
// Restoring a block is idempotent, so an aborted rollback is finished by
// running it again. Only one rollback of a snapshot runs at a time.
//
// A failure in step 3 returns *RollbackError and leaves snap rolling_back.
func (p *Proxy) RollbackTransaction(ctx context.Context, hdr authority.Header, snap string) (err error) {
	defer p.observe("rollback_transaction", time.Now(), &err)

	if _, busy := p.rollbacks.LoadOrStore(snap, struct{}{}); busy {
		return authority.NewStatusError("rollback", authority.StatusInvalidState,
			"rollback of %s/%s already running", p.vol.Name, snap)
	}
	defer p.rollbacks.Delete(snap)

	if err := p.waitClear(ctx, snap, authority.RollbackEvent); err != nil {
		return err
	}

	status, err := p.auth.Query(ctx, p.vol.Name, snap)
	if err != nil {
		return err
	}
	switch status {
	case authority.StatusCreated:
		if _, err := p.update(ctx, hdr, snap, authority.RollbackEvent); err != nil {
			return err
		}
	case authority.StatusRollingBack:
		logger.Info("Rollback %s/%s resumes an aborted rollback", p.vol.Name, snap)
	default:
		return authority.NewStatusError("rollback", authority.StatusInvalidState,
			"snapshot %s/%s is %s", p.vol.Name, snap, status)
	}

	refs, err := p.auth.Rollback(ctx, hdr, p.vol.Name, snap)
	if err != nil {
		return err
	}

	for i, ref := range refs {
		if err := p.rollbackBlock(ctx, ref); err != nil {
			p.metrics.RecordRollbackBlocks(i)
			return &RollbackError{Volume: p.vol.Name, Snapshot: snap, Done: i, Total: len(refs), Err: err}
		}
	}
	p.metrics.RecordRollbackBlocks(len(refs))
	logger.Info("Rollback %s/%s restored %d blocks", p.vol.Name, snap, len(refs))

	_, err = p.update(ctx, hdr, snap, authority.RollbackEvent)
	return err
}

// transaction waits for in-flight operations on snap to finish, then
// commits event.
func (p *Proxy) transaction(ctx context.Context, hdr authority.Header, snap string, event authority.UpdateEvent) error {
	if err := p.waitClear(ctx, snap, event); err != nil {
		return err
	}
	_, err := p.update(ctx, hdr, snap, event)
	return err
}

func (p *Proxy) waitClear(ctx context.Context, snap string, event authority.UpdateEvent) error {
	if err := p.syncTable.WaitClear(ctx, snap); err != nil {
		return fmt.Errorf("%w: %s %s/%s: %w", ErrTransaction, event, p.vol.Name, snap, err)
	}
	return nil
}

// update commits event and refreshes the active snapshot from the answer.
// It holds the transition lock, so no write can reach the device unprotected
// between the commit and the cache refresh.
func (p *Proxy) update(ctx context.Context, hdr authority.Header, snap string, event authority.UpdateEvent) (string, error) {
	p.transition.Lock()
	defer p.transition.Unlock()

	active, err := p.auth.Update(ctx, hdr, p.vol.Name, snap, event)
	if answered(err) {
		p.setActive(active)
	}
	if err != nil {
		logger.Error("Transaction %s %s/%s failed: %v", event, p.vol.Name, snap, err)
		return active, fmt.Errorf("%w: %s %s/%s: %w", ErrTransaction, event, p.vol.Name, snap, err)
	}
	logger.Info("Transaction %s %s/%s committed, active=%q", event, p.vol.Name, snap, active)
	return active, nil
}

// answered reports whether err came from the authority itself rather than
// from the transport, i.e. whether an accompanying active snapshot is valid.
func answered(err error) bool {
	var se *authority.StatusError
	return err == nil || errors.As(err, &se)
}

// ============================================================================
// Journal replay
// ============================================================================

// ApplyEntry commits the transaction recorded by a durable journal entry.
// It is the journal.Handler of the volume's writer.
//
// Entries for other volumes are ignored. An entry whose request never
// reached the authority (the caller gave up after the intent became durable)
// or whose transaction was already committed is skipped, which makes replay
// after a restart safe.
func (p *Proxy) ApplyEntry(ctx context.Context, e *journal.Entry) error {
	in := e.Intent
	if in.Volume != p.vol.Name {
		return nil
	}

	// the request that produced the entry may still be talking to the authority
	if err := p.syncTable.WaitClear(ctx, in.Snapshot); err != nil {
		return err
	}

	status, err := p.auth.Query(ctx, in.Volume, in.Snapshot)
	if authority.IsStatus(err, authority.StatusSnapNotFound) {
		logger.Debug("Journal entry %s: %s %s/%s not found, skipped", e.Marker, in.Type, in.Volume, in.Snapshot)
		return nil
	}
	if err != nil {
		return err
	}

	switch in.Type {
	case journal.EntryCreate:
		if status != authority.StatusCreating {
			return nil
		}
		return p.CreateTransaction(ctx, in.Header, in.Snapshot)
	case journal.EntryDelete:
		if status != authority.StatusDeleting {
			return nil
		}
		return p.DeleteTransaction(ctx, in.Header, in.Snapshot)
	case journal.EntryRollback:
		if status != authority.StatusCreated && status != authority.StatusRollingBack {
			return nil
		}
		return p.RollbackTransaction(ctx, in.Header, in.Snapshot)
	default:
		return fmt.Errorf("journal entry %s: unknown type %s", e.Marker, in.Type)
	}
}
