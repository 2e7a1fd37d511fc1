// Package journal makes snapshot operations durable before they reach the
// metadata authority.
//
// The proxy submits an Intent describing a create, delete or rollback to the
// Coordinator and waits on the returned Ticket. A Writer consumes intents,
// appends them to a BadgerDB log, and notifies the coordinator with the
// Marker at which the intent became durable; only then does the proxy call
// the authority. After notifying, the writer hands the entry to a replay
// handler that commits the operation's transaction, and records it as
// applied. Entries that were durable but never applied (a crash between the
// two) are handed to the handler again on the next start.
package journal

import (
	"fmt"
	"time"

	"github.com/marmos91/dittosnap/pkg/authority"
)

// Marker is the durable position of a journal entry.
type Marker struct {
	// Journal names the log the entry was appended to.
	Journal string `json:"journal"`

	// Offset is the entry's sequence number in that log. Offsets increase
	// monotonically; gaps are possible after a restart.
	Offset uint64 `json:"offset"`
}

func (m Marker) String() string {
	return fmt.Sprintf("%s@%d", m.Journal, m.Offset)
}

// EntryType is the snapshot operation an intent describes.
type EntryType int32

const (
	EntryCreate EntryType = iota
	EntryDelete
	EntryRollback
)

func (t EntryType) String() string {
	switch t {
	case EntryCreate:
		return "create"
	case EntryDelete:
		return "delete"
	case EntryRollback:
		return "rollback"
	default:
		return fmt.Sprintf("EntryType(%d)", int32(t))
	}
}

// Intent is the record of an operation about to be sent to the authority.
type Intent struct {
	// ID correlates the intent with its Ticket. Submit assigns one when empty.
	ID string `json:"id"`

	Type     EntryType        `json:"type"`
	Volume   string           `json:"volume"`
	Snapshot string           `json:"snapshot"`
	Header   authority.Header `json:"header"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// Entry is a durable intent.
type Entry struct {
	Marker     Marker    `json:"marker"`
	Intent     Intent    `json:"intent"`
	RecordedAt time.Time `json:"recorded_at"`
}
