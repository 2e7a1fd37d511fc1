package local

import (
	"fmt"
	"strings"
)

// Database Key Namespace
// ======================
//
// Data Type          Prefix  Key Format                        Value
// ====================================================================
// Volume state       "m:"    m:<vol>                           volumeRecord (JSON)
// Snapshot record    "s:"    s:<vol>:<name>                    snapshotRecord (JSON)
// Snapshot chain     "q:"    q:<vol>:<seq %020d>               snapshot name
// COW mapping        "c:"    c:<vol>:<name>:<block %020d>      object name
//
// The chain holds activated snapshots ordered oldest to newest; its last
// element is the active snapshot. Zero-padded numbers keep lexicographic key
// order equal to numeric order, so range scans over a snapshot's mappings
// come back sorted by block number.
//
// Volume and snapshot names may not contain ':' or '/'. The first keeps the
// prefixes unambiguous, the second keeps object names one level per segment.

const (
	prefixVolume   = "m:"
	prefixSnapshot = "s:"
	prefixChain    = "q:"
	prefixMapping  = "c:"
)

func keyVolume(vol string) []byte {
	return []byte(prefixVolume + vol)
}

func keySnapshot(vol, name string) []byte {
	return []byte(prefixSnapshot + vol + ":" + name)
}

func snapshotPrefix(vol string) []byte {
	return []byte(prefixSnapshot + vol + ":")
}

func keyChain(vol string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixChain, vol, seq))
}

func chainPrefix(vol string) []byte {
	return []byte(prefixChain + vol + ":")
}

func keyMapping(vol, name string, blockNo uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixMapping, vol, name, blockNo))
}

func mappingPrefix(vol, name string) []byte {
	return []byte(prefixMapping + vol + ":" + name + ":")
}

// parseMappingBlock extracts the block number from a mapping key.
func parseMappingBlock(key []byte) (uint64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return 0, fmt.Errorf("malformed mapping key %q", s)
	}
	var blockNo uint64
	if _, err := fmt.Sscanf(s[i+1:], "%d", &blockNo); err != nil {
		return 0, fmt.Errorf("malformed mapping key %q: %w", s, err)
	}
	return blockNo, nil
}

func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, ":/")
}
