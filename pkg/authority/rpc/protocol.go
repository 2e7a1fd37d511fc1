// Package rpc carries the authority contract over TCP.
//
// Messages use ONC-style record marking: each record is one or more fragments
// and each fragment is preceded by a 4-byte big-endian header whose high bit
// marks the last fragment and whose low 31 bits carry the fragment length.
// The record body is XDR: a call header followed by the procedure arguments,
// or a reply header followed by the procedure result.
package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittosnap/pkg/authority"
)

const (
	// Program identifies the authority service in the call header.
	// 0x20000000-0x3fffffff is the user-defined program range.
	Program uint32 = 0x20534e50

	// Version is the protocol version this package speaks.
	Version uint32 = 1

	lastFragmentBit  = 0x80000000
	fragmentLenMask  = 0x7FFFFFFF
	maxFragmentSize  = 1 << 20
	DefaultMaxRecord = 16 << 20
)

// Procedure numbers.
const (
	ProcNull uint32 = iota
	ProcSync
	ProcCreate
	ProcDelete
	ProcList
	ProcQuery
	ProcUpdate
	ProcRollback
	ProcDiff
	ProcRead
	ProcCowQuery
	ProcCowCommit
)

var procNames = map[uint32]string{
	ProcNull:      "null",
	ProcSync:      "sync",
	ProcCreate:    "create",
	ProcDelete:    "delete",
	ProcList:      "list",
	ProcQuery:     "query",
	ProcUpdate:    "update",
	ProcRollback:  "rollback",
	ProcDiff:      "diff",
	ProcRead:      "read",
	ProcCowQuery:  "cow_query",
	ProcCowCommit: "cow_commit",
}

// ProcName returns the lower-case name of a procedure, used in errors and metrics.
func ProcName(proc uint32) string {
	if name, ok := procNames[proc]; ok {
		return name
	}
	return fmt.Sprintf("proc_%d", proc)
}

var (
	// ErrRecordTooLarge is returned when a peer announces a record larger
	// than the configured limit.
	ErrRecordTooLarge = errors.New("rpc record too large")

	// ErrXIDMismatch means a reply did not answer the call it was read for.
	// The connection is discarded.
	ErrXIDMismatch = errors.New("rpc reply xid mismatch")

	// ErrProgramMismatch is returned by the server for foreign program or
	// version numbers.
	ErrProgramMismatch = errors.New("rpc program mismatch")
)

// ============================================================================
// Headers
// ============================================================================

type callHeader struct {
	XID       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
}

type replyHeader struct {
	XID     uint32
	Status  int32
	Message string
}

// ============================================================================
// Procedure arguments and results
// ============================================================================

type wireHeader struct {
	ReplicationUUID string
	CheckpointUUID  string
	Scene           int32
	SnapType        int32
}

func toWireHeader(h authority.Header) wireHeader {
	return wireHeader{
		ReplicationUUID: h.ReplicationUUID,
		CheckpointUUID:  h.CheckpointUUID,
		Scene:           int32(h.Scene),
		SnapType:        int32(h.SnapType),
	}
}

func (h wireHeader) header() authority.Header {
	return authority.Header{
		ReplicationUUID: h.ReplicationUUID,
		CheckpointUUID:  h.CheckpointUUID,
		Scene:           authority.SnapScene(h.Scene),
		SnapType:        authority.SnapType(h.SnapType),
	}
}

type volumeArgs struct {
	Volume string
}

type snapArgs struct {
	Header wireHeader
	Volume string
	Snap   string
}

type queryArgs struct {
	Volume string
	Snap   string
}

type updateArgs struct {
	Header wireHeader
	Volume string
	Snap   string
	Event  int32
}

type diffArgs struct {
	Header wireHeader
	Volume string
	First  string
	Last   string
}

type readArgs struct {
	Header wireHeader
	Volume string
	Snap   string
	Offset uint64
	Length uint64
}

type cowQueryArgs struct {
	Volume  string
	Active  string
	BlockNo uint64
}

type cowCommitArgs struct {
	Volume  string
	Active  string
	BlockNo uint64
	Object  string
}

type activeReply struct {
	Active string
}

type namesReply struct {
	Names []string
}

type statusReply struct {
	Status int32
}

type wireBlockRef struct {
	BlockNo uint64
	Object  string
}

type blocksReply struct {
	Blocks []wireBlockRef
}

type wireDiffRange struct {
	FirstBlock uint64
	BlockCount uint64
}

type diffReply struct {
	Ranges []wireDiffRange
}

type cowQueryReply struct {
	NeedsPreservation bool
	Object            string
}

func toBlockRefs(in []wireBlockRef) []authority.BlockRef {
	out := make([]authority.BlockRef, len(in))
	for i, b := range in {
		out[i] = authority.BlockRef{BlockNo: b.BlockNo, Object: b.Object}
	}
	return out
}

func fromBlockRefs(in []authority.BlockRef) []wireBlockRef {
	out := make([]wireBlockRef, len(in))
	for i, b := range in {
		out[i] = wireBlockRef{BlockNo: b.BlockNo, Object: b.Object}
	}
	return out
}

// ============================================================================
// Record marking
// ============================================================================

// readRecord reads fragments until the last-fragment bit and returns the
// reassembled record.
func readRecord(r io.Reader, maxRecord int) ([]byte, error) {
	var record []byte
	var hdr [4]byte

	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}

		word := binary.BigEndian.Uint32(hdr[:])
		length := int(word & fragmentLenMask)
		if len(record)+length > maxRecord {
			return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrRecordTooLarge, len(record)+length, maxRecord)
		}

		start := len(record)
		record = append(record, make([]byte, length)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			return nil, fmt.Errorf("read fragment: %w", err)
		}

		if word&lastFragmentBit != 0 {
			return record, nil
		}
	}
}

// writeRecord writes payload as one or more fragments in a single Write call.
func writeRecord(w io.Writer, payload []byte) error {
	frags := (len(payload) + maxFragmentSize - 1) / maxFragmentSize
	if frags == 0 {
		frags = 1
	}

	buf := make([]byte, 0, len(payload)+4*frags)
	rest := payload
	for {
		n := min(len(rest), maxFragmentSize)
		word := uint32(n)
		if n == len(rest) {
			word |= lastFragmentBit
		}
		buf = binary.BigEndian.AppendUint32(buf, word)
		buf = append(buf, rest[:n]...)
		rest = rest[n:]
		if len(rest) == 0 {
			break
		}
	}

	_, err := w.Write(buf)
	return err
}

// encode marshals a header followed by an optional body.
func encode(header any, body any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, header); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if body != nil {
		if _, err := xdr.Marshal(&buf, body); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}
	return buf.Bytes(), nil
}
