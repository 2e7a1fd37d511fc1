package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// RunPutGetTests covers object contents.
func (suite *StoreTestSuite) RunPutGetTests(t *testing.T) {
	t.Run("RoundTrip", suite.testRoundTrip)
	t.Run("SubRange", suite.testSubRange)
	t.Run("PutAtOffsetKeepsPrefix", suite.testPutAtOffset)
	t.Run("PutAtZeroReplaces", suite.testPutReplaces)
	t.Run("PutPastEndZeroFills", suite.testPutZeroFill)
}

func (suite *StoreTestSuite) testRoundTrip(t *testing.T) {
	s := suite.store(t)
	name := suite.name("vol/s1/blk0")
	data := pattern(64<<10, 0x5a)

	mustPut(t, s, name, data, 0)
	requireBytes(t, data, mustGet(t, s, name, len(data), 0))
}

func (suite *StoreTestSuite) testSubRange(t *testing.T) {
	s := suite.store(t)
	name := suite.name("vol/s1/blk1")
	data := pattern(8192, 0x11)

	mustPut(t, s, name, data, 0)
	requireBytes(t, data[1000:1512], mustGet(t, s, name, 512, 1000))
	requireBytes(t, data[8191:], mustGet(t, s, name, 1, 8191))
}

func (suite *StoreTestSuite) testPutAtOffset(t *testing.T) {
	s := suite.store(t)
	name := suite.name("vol/s1/blk2")
	head := pattern(4096, 0x01)
	tail := pattern(4096, 0x02)

	mustPut(t, s, name, head, 0)
	mustPut(t, s, name, tail, 4096)

	requireBytes(t, append(append([]byte{}, head...), tail...), mustGet(t, s, name, 8192, 0))
}

func (suite *StoreTestSuite) testPutReplaces(t *testing.T) {
	s := suite.store(t)
	name := suite.name("vol/s1/blk3")

	mustPut(t, s, name, pattern(8192, 0x03), 0)
	short := pattern(100, 0x04)
	mustPut(t, s, name, short, 0)

	requireBytes(t, short, mustGet(t, s, name, 100, 0))
	assert.Error(t, s.Get(testContext(), name, make([]byte, 101), 0))
}

func (suite *StoreTestSuite) testPutZeroFill(t *testing.T) {
	s := suite.store(t)
	name := suite.name("vol/s1/blk4")
	data := pattern(10, 0x07)

	mustPut(t, s, name, data, 20)

	got := mustGet(t, s, name, 30, 0)
	requireBytes(t, make([]byte, 20), got[:20])
	requireBytes(t, data, got[20:])
}
