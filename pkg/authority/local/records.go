package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittosnap/pkg/authority"
)

// volumeRecord holds per-volume counters.
type volumeRecord struct {
	// NextSeq feeds both activation sequence numbers and incarnations, so
	// both are unique for the lifetime of the volume.
	NextSeq uint64 `json:"next_seq"`
}

type snapshotRecord struct {
	Name   string              `json:"name"`
	Status authority.SnapStatus `json:"status"`
	Type   authority.SnapType  `json:"type"`

	// Seq is the position in the chain; zero until CreateEvent.
	Seq uint64 `json:"seq"`

	// Incarnation distinguishes snapshots that reuse a deleted name. It is
	// part of every derived object name.
	Incarnation uint64 `json:"incarnation"`

	ReplicationUUID string    `json:"replication_uuid,omitempty"`
	CheckpointUUID  string    `json:"checkpoint_uuid,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func getString(txn *badger.Txn, key []byte) (string, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

func nextSeq(txn *badger.Txn, vol string) (uint64, error) {
	var rec volumeRecord
	if _, err := getJSON(txn, keyVolume(vol), &rec); err != nil {
		return 0, err
	}
	rec.NextSeq++
	if err := setJSON(txn, keyVolume(vol), &rec); err != nil {
		return 0, err
	}
	return rec.NextSeq, nil
}

func loadSnapshot(txn *badger.Txn, op, vol, name string) (*snapshotRecord, error) {
	var rec snapshotRecord
	found, err := getJSON(txn, keySnapshot(vol, name), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, authority.NewStatusError(op, authority.StatusSnapNotFound, "%s/%s", vol, name)
	}
	return &rec, nil
}

// loadChain returns the activated snapshots, oldest first.
func loadChain(txn *badger.Txn, vol string) ([]*snapshotRecord, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = chainPrefix(vol)
	it := txn.NewIterator(opts)
	defer it.Close()

	var chain []*snapshotRecord
	for it.Rewind(); it.Valid(); it.Next() {
		name, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		rec, err := loadSnapshot(txn, "chain", vol, string(name))
		if err != nil {
			return nil, fmt.Errorf("chain of %s references %s: %w", vol, name, err)
		}
		chain = append(chain, rec)
	}
	return chain, nil
}

func activeOf(chain []*snapshotRecord) string {
	if len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1].Name
}

func chainIndex(chain []*snapshotRecord, name string) int {
	for i, rec := range chain {
		if rec.Name == name {
			return i
		}
	}
	return -1
}

func decodeRecord(val []byte, rec *snapshotRecord) error {
	return json.Unmarshal(val, rec)
}
