package local

import (
	"context"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority"
)

// Sync returns the active snapshot.
func (a *Authority) Sync(ctx context.Context, volume string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkNames("sync", volume); err != nil {
		return "", err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.active(volume)
}

func (a *Authority) active(volume string) (string, error) {
	var active string
	err := a.db.View(func(txn *badger.Txn) error {
		chain, err := loadChain(txn, volume)
		if err != nil {
			return err
		}
		active = activeOf(chain)
		return nil
	})
	return active, wrapDB("sync", err)
}

// Create registers the snapshot in the creating state. It becomes active on
// CreateEvent.
func (a *Authority) Create(ctx context.Context, hdr authority.Header, volume, snap string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkNames("create", volume, snap); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.db.Update(func(txn *badger.Txn) error {
		var existing snapshotRecord
		found, err := getJSON(txn, keySnapshot(volume, snap), &existing)
		if err != nil {
			return err
		}
		if found {
			return authority.NewStatusError("create", authority.StatusSnapExists, "%s/%s is %s", volume, snap, existing.Status)
		}

		incarnation, err := nextSeq(txn, volume)
		if err != nil {
			return err
		}

		return setJSON(txn, keySnapshot(volume, snap), &snapshotRecord{
			Name:            snap,
			Status:          authority.StatusCreating,
			Type:            hdr.SnapType,
			Incarnation:     incarnation,
			ReplicationUUID: hdr.ReplicationUUID,
			CheckpointUUID:  hdr.CheckpointUUID,
			CreatedAt:       time.Now(),
		})
	})
	if err != nil {
		return wrapDB("create", err)
	}

	logger.Info("Authority: snapshot %s/%s creating (type=%s)", volume, snap, hdr.SnapType)
	return nil
}

// Delete marks the snapshot deleting. It is removed on DeleteEvent.
func (a *Authority) Delete(ctx context.Context, hdr authority.Header, volume, snap string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkNames("delete", volume, snap); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.db.Update(func(txn *badger.Txn) error {
		rec, err := loadSnapshot(txn, "delete", volume, snap)
		if err != nil {
			return err
		}
		switch rec.Status {
		case authority.StatusDeleting:
			return nil
		case authority.StatusRollingBack:
			return authority.NewStatusError("delete", authority.StatusInvalidState, "%s/%s is rolling back", volume, snap)
		}
		rec.Status = authority.StatusDeleting
		return setJSON(txn, keySnapshot(volume, snap), rec)
	})
	if err != nil {
		return wrapDB("delete", err)
	}

	logger.Info("Authority: snapshot %s/%s deleting", volume, snap)
	return nil
}

// List returns activated snapshots oldest first, followed by snapshots still
// being created in name order.
func (a *Authority) List(ctx context.Context, volume string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkNames("list", volume); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var names []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = snapshotPrefix(volume)
		it := txn.NewIterator(opts)
		defer it.Close()

		var recs []snapshotRecord
		for it.Rewind(); it.Valid(); it.Next() {
			var rec snapshotRecord
			if err := it.Item().Value(func(val []byte) error {
				return decodeRecord(val, &rec)
			}); err != nil {
				return err
			}
			recs = append(recs, rec)
		}

		sort.Slice(recs, func(i, j int) bool {
			si, sj := recs[i].Seq, recs[j].Seq
			if (si == 0) != (sj == 0) {
				return sj == 0
			}
			if si != sj {
				return si < sj
			}
			return strings.Compare(recs[i].Name, recs[j].Name) < 0
		})
		for _, rec := range recs {
			names = append(names, rec.Name)
		}
		return nil
	})
	return names, wrapDB("list", err)
}

// Query returns the snapshot status.
func (a *Authority) Query(ctx context.Context, volume, snap string) (authority.SnapStatus, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := checkNames("query", volume, snap); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var status authority.SnapStatus
	err := a.db.View(func(txn *badger.Txn) error {
		rec, err := loadSnapshot(txn, "query", volume, snap)
		if err != nil {
			return err
		}
		status = rec.Status
		return nil
	})
	return status, wrapDB("query", err)
}

// Update applies a state transition:
//
//	CreateEvent:   creating → created, appended to the chain (now active)
//	DeleteEvent:   creating|deleting → removed; mappings the predecessor
//	               lacks move to the predecessor so older views keep resolving
//	RollbackEvent: created → rolling_back → created
//
// The active snapshot is returned even when the transition is rejected.
func (a *Authority) Update(ctx context.Context, hdr authority.Header, volume, snap string, event authority.UpdateEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkNames("update", volume, snap); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.db.Update(func(txn *badger.Txn) error {
		rec, err := loadSnapshot(txn, "update", volume, snap)
		if err != nil {
			return err
		}

		switch event {
		case authority.CreateEvent:
			return a.applyCreate(txn, volume, rec)
		case authority.DeleteEvent:
			return a.applyDelete(txn, volume, rec)
		case authority.RollbackEvent:
			return a.applyRollback(txn, volume, rec)
		default:
			return authority.NewStatusError("update", authority.StatusInvalidArgument, "unknown event %s", event)
		}
	})

	active, aerr := a.active(volume)
	if err != nil {
		return active, wrapDB("update", err)
	}
	if aerr != nil {
		return "", aerr
	}

	logger.Info("Authority: snapshot %s/%s %s committed, active=%q", volume, snap, event, active)
	return active, nil
}

func (a *Authority) applyCreate(txn *badger.Txn, volume string, rec *snapshotRecord) error {
	if rec.Status != authority.StatusCreating {
		return authority.NewStatusError("update", authority.StatusInvalidState,
			"create event for %s/%s in state %s", volume, rec.Name, rec.Status)
	}

	seq, err := nextSeq(txn, volume)
	if err != nil {
		return err
	}
	rec.Seq = seq
	rec.Status = authority.StatusCreated

	if err := txn.Set(keyChain(volume, seq), []byte(rec.Name)); err != nil {
		return err
	}
	return setJSON(txn, keySnapshot(volume, rec.Name), rec)
}

func (a *Authority) applyDelete(txn *badger.Txn, volume string, rec *snapshotRecord) error {
	if rec.Status != authority.StatusCreating && rec.Status != authority.StatusDeleting {
		return authority.NewStatusError("update", authority.StatusInvalidState,
			"delete event for %s/%s in state %s", volume, rec.Name, rec.Status)
	}

	if rec.Seq != 0 {
		chain, err := loadChain(txn, volume)
		if err != nil {
			return err
		}
		idx := chainIndex(chain, rec.Name)
		var pred *snapshotRecord
		if idx > 0 {
			pred = chain[idx-1]
		}
		if err := mergeMappings(txn, volume, rec.Name, pred); err != nil {
			return err
		}
		if err := txn.Delete(keyChain(volume, rec.Seq)); err != nil {
			return err
		}
	}

	return txn.Delete(keySnapshot(volume, rec.Name))
}

func (a *Authority) applyRollback(txn *badger.Txn, volume string, rec *snapshotRecord) error {
	switch rec.Status {
	case authority.StatusCreated:
		rec.Status = authority.StatusRollingBack
	case authority.StatusRollingBack:
		rec.Status = authority.StatusCreated
	default:
		return authority.NewStatusError("update", authority.StatusInvalidState,
			"rollback event for %s/%s in state %s", volume, rec.Name, rec.Status)
	}
	return setJSON(txn, keySnapshot(volume, rec.Name), rec)
}

// mergeMappings removes every mapping of snap, handing over to pred the ones
// pred has no mapping for. Mappings pred already has become unreferenced and
// are left to garbage collection.
func mergeMappings(txn *badger.Txn, volume, snap string, pred *snapshotRecord) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = mappingPrefix(volume, snap)
	it := txn.NewIterator(opts)

	type mapping struct {
		key    []byte
		block  uint64
		object []byte
	}
	var mappings []mapping
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		blockNo, err := parseMappingBlock(item.Key())
		if err != nil {
			it.Close()
			return err
		}
		obj, err := item.ValueCopy(nil)
		if err != nil {
			it.Close()
			return err
		}
		mappings = append(mappings, mapping{key: item.KeyCopy(nil), block: blockNo, object: obj})
	}
	it.Close()

	moved := 0
	for _, m := range mappings {
		if pred != nil {
			predKey := keyMapping(volume, pred.Name, m.block)
			_, found, err := getString(txn, predKey)
			if err != nil {
				return err
			}
			if !found {
				if err := txn.Set(predKey, m.object); err != nil {
					return err
				}
				moved++
			}
		}
		if err := txn.Delete(m.key); err != nil {
			return err
		}
	}

	logger.Debug("Authority: removed %d mappings of %s/%s, %d moved to predecessor", len(mappings), volume, snap, moved)
	return nil
}
