package testing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/store/block"
)

// pattern returns n bytes of a deterministic, seed-dependent pattern.
func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i) ^ seed
	}
	return out
}

func mustPut(t *testing.T, s block.Store, name string, data []byte, offset uint64) {
	t.Helper()
	require.NoError(t, s.Put(testContext(), name, data, offset), "Put should succeed")
}

func mustGet(t *testing.T, s block.Store, name string, n int, offset uint64) []byte {
	t.Helper()
	p := make([]byte, n)
	require.NoError(t, s.Get(testContext(), name, p, offset), "Get should succeed")
	return p
}

func requireBytes(t *testing.T, expected, actual []byte) {
	t.Helper()
	if !bytes.Equal(expected, actual) {
		require.Failf(t, "content mismatch", "expected %d bytes, got %d bytes (first diff at %d)",
			len(expected), len(actual), firstDiff(expected, actual))
	}
}

func firstDiff(a, b []byte) int {
	for i := 0; i < min(len(a), len(b)); i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return min(len(a), len(b))
}
