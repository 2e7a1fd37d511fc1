package local

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/marmos91/dittosnap/pkg/authority"
)

// objectNamespace seeds the name-based UUIDs of preserved objects.
var objectNamespace = uuid.MustParse("0d5f3c8e-7a41-5b2e-9c6d-4e8f1a2b3c7d")

// ObjectName derives the preserved object name for a block.
//
// The name depends only on its inputs, so a COW commit retried after a crash
// writes the same object instead of leaking a new one.
func ObjectName(volume, snap string, incarnation, blockNo uint64) string {
	id := uuid.NewSHA1(objectNamespace, []byte(fmt.Sprintf("%s:%s:%d:%d", volume, snap, incarnation, blockNo)))
	return volume + "/" + snap + "/" + id.String()
}

// CowQuery answers whether blockNo must be preserved under active.
//
// The answer is yes exactly when active has no mapping for the block, and is
// stable until a CowCommit for that block.
func (a *Authority) CowQuery(ctx context.Context, volume, active string, blockNo uint64) (authority.CowDecision, error) {
	if err := ctx.Err(); err != nil {
		return authority.CowDecision{}, err
	}
	if err := checkNames("cow_query", volume, active); err != nil {
		return authority.CowDecision{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var decision authority.CowDecision
	err := a.db.View(func(txn *badger.Txn) error {
		rec, err := requireActive(txn, "cow_query", volume, active)
		if err != nil {
			return err
		}

		obj, found, err := getString(txn, keyMapping(volume, active, blockNo))
		if err != nil {
			return err
		}
		if found {
			decision = authority.CowDecision{NeedsPreservation: false, Object: obj}
			return nil
		}
		decision = authority.CowDecision{
			NeedsPreservation: true,
			Object:            ObjectName(volume, active, rec.Incarnation, blockNo),
		}
		return nil
	})
	return decision, wrapDB("cow_query", err)
}

// CowCommit maps blockNo to object under active. Committing the same mapping
// twice succeeds; committing a different object for a mapped block is a
// conflict, since the first preserved image is the snapshot's content.
func (a *Authority) CowCommit(ctx context.Context, volume, active string, blockNo uint64, object string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkNames("cow_commit", volume, active); err != nil {
		return err
	}
	if object == "" {
		return authority.NewStatusError("cow_commit", authority.StatusInvalidArgument, "empty object name")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.db.Update(func(txn *badger.Txn) error {
		if _, err := requireActive(txn, "cow_commit", volume, active); err != nil {
			return err
		}

		key := keyMapping(volume, active, blockNo)
		existing, found, err := getString(txn, key)
		if err != nil {
			return err
		}
		if found {
			if existing == object {
				return nil
			}
			return authority.NewStatusError("cow_commit", authority.StatusConflict,
				"block %d of %s/%s already preserved in %s", blockNo, volume, active, existing)
		}
		return txn.Set(key, []byte(object))
	})
	return wrapDB("cow_commit", err)
}

func requireActive(txn *badger.Txn, op, volume, active string) (*snapshotRecord, error) {
	chain, err := loadChain(txn, volume)
	if err != nil {
		return nil, err
	}
	if cur := activeOf(chain); cur != active {
		return nil, authority.NewStatusError(op, authority.StatusNotActive,
			"%s/%s is not the active snapshot (active=%q)", volume, active, cur)
	}
	return chain[len(chain)-1], nil
}

// Read resolves the blocks of the byte range that snap serves from preserved
// objects.
func (a *Authority) Read(ctx context.Context, hdr authority.Header, volume, snap string, offset, length uint64) ([]authority.BlockRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkNames("read", volume, snap); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	first := offset / a.blockSize
	last := (offset + length - 1) / a.blockSize

	a.mu.RLock()
	defer a.mu.RUnlock()

	var refs []authority.BlockRef
	err := a.db.View(func(txn *badger.Txn) error {
		chain, idx, err := chainFrom(txn, "read", volume, snap)
		if err != nil {
			return err
		}
		refs, err = resolve(txn, volume, chain[idx:], first, last)
		return err
	})
	return refs, wrapDB("read", err)
}

// Rollback returns every block whose content under snap differs from the live
// device, with the object holding snap's content.
func (a *Authority) Rollback(ctx context.Context, hdr authority.Header, volume, snap string) ([]authority.BlockRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkNames("rollback", volume, snap); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var refs []authority.BlockRef
	err := a.db.View(func(txn *badger.Txn) error {
		chain, idx, err := chainFrom(txn, "rollback", volume, snap)
		if err != nil {
			return err
		}
		refs, err = resolve(txn, volume, chain[idx:], 0, math.MaxUint64)
		return err
	})
	return refs, wrapDB("rollback", err)
}

// Diff returns the runs of blocks written between the creation of first and
// the creation of last (or now, when last is empty).
func (a *Authority) Diff(ctx context.Context, hdr authority.Header, volume, first, last string) ([]authority.DiffRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkNames("diff", volume, first); err != nil {
		return nil, err
	}
	if last != "" {
		if err := checkNames("diff", volume, last); err != nil {
			return nil, err
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var ranges []authority.DiffRange
	err := a.db.View(func(txn *badger.Txn) error {
		chain, from, err := chainFrom(txn, "diff", volume, first)
		if err != nil {
			return err
		}
		to := len(chain)
		if last != "" {
			if to = chainIndex(chain, last); to < 0 {
				return authority.NewStatusError("diff", authority.StatusSnapNotFound, "%s/%s", volume, last)
			}
		}
		if from > to {
			return authority.NewStatusError("diff", authority.StatusInvalidArgument,
				"%s is newer than %s", first, last)
		}

		changed := make(map[uint64]struct{})
		for _, rec := range chain[from:to] {
			if err := scanMappings(txn, volume, rec.Name, 0, math.MaxUint64, func(blockNo uint64, _ string) {
				changed[blockNo] = struct{}{}
			}); err != nil {
				return err
			}
		}
		ranges = coalesce(changed)
		return nil
	})
	return ranges, wrapDB("diff", err)
}

func chainFrom(txn *badger.Txn, op, volume, snap string) ([]*snapshotRecord, int, error) {
	chain, err := loadChain(txn, volume)
	if err != nil {
		return nil, 0, err
	}
	idx := chainIndex(chain, snap)
	if idx < 0 {
		rec, err := loadSnapshot(txn, op, volume, snap)
		if err != nil {
			return nil, 0, err
		}
		return nil, 0, authority.NewStatusError(op, authority.StatusInvalidState, "%s/%s is %s", volume, snap, rec.Status)
	}
	return chain, idx, nil
}

// resolve returns, for every block in [first, last] mapped by some snapshot of
// chain, the first mapping found scanning chain in order.
func resolve(txn *badger.Txn, volume string, chain []*snapshotRecord, first, last uint64) ([]authority.BlockRef, error) {
	found := make(map[uint64]string)
	for _, rec := range chain {
		err := scanMappings(txn, volume, rec.Name, first, last, func(blockNo uint64, obj string) {
			if _, ok := found[blockNo]; !ok {
				found[blockNo] = obj
			}
		})
		if err != nil {
			return nil, err
		}
	}

	refs := make([]authority.BlockRef, 0, len(found))
	for blockNo, obj := range found {
		refs = append(refs, authority.BlockRef{BlockNo: blockNo, Object: obj})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].BlockNo < refs[j].BlockNo })
	return refs, nil
}

// scanMappings visits the mappings of snap with block numbers in [first, last].
func scanMappings(txn *badger.Txn, volume, snap string, first, last uint64, fn func(uint64, string)) error {
	prefix := mappingPrefix(volume, snap)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	end := keyMapping(volume, snap, last)
	for it.Seek(keyMapping(volume, snap, first)); it.Valid(); it.Next() {
		item := it.Item()
		if bytes.Compare(item.Key(), end) > 0 {
			break
		}
		blockNo, err := parseMappingBlock(item.Key())
		if err != nil {
			return err
		}
		obj, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		fn(blockNo, string(obj))
	}
	return nil
}

func coalesce(blocks map[uint64]struct{}) []authority.DiffRange {
	sorted := make([]uint64, 0, len(blocks))
	for b := range blocks {
		sorted = append(sorted, b)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []authority.DiffRange
	for _, b := range sorted {
		if n := len(out); n > 0 && out[n-1].FirstBlock+out[n-1].BlockCount == b {
			out[n-1].BlockCount++
			continue
		}
		out = append(out, authority.DiffRange{FirstBlock: b, BlockCount: 1})
	}
	return out
}

// ReferencedObjects returns every object name a mapping points at, across all
// volumes. Preserved objects outside this set are garbage.
func (a *Authority) ReferencedObjects(ctx context.Context) (map[string]struct{}, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	refs := make(map[string]struct{})
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMapping)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			obj, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			refs[string(obj)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan mappings: %w", err)
	}
	return refs, nil
}
