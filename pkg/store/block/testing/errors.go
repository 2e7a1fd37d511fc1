package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/store/block"
)

// RunErrorTests covers the error contract.
func (suite *StoreTestSuite) RunErrorTests(t *testing.T) {
	t.Run("GetMissing", suite.testGetMissing)
	t.Run("GetPastEnd", suite.testGetPastEnd)
	t.Run("InvalidName", suite.testInvalidName)
	t.Run("DeleteIdempotent", suite.testDeleteIdempotent)
}

func (suite *StoreTestSuite) testGetMissing(t *testing.T) {
	s := suite.store(t)

	err := s.Get(testContext(), suite.name("missing/obj"), make([]byte, 16), 0)
	assert.ErrorIs(t, err, block.ErrObjectNotFound)

	exists, err := s.Exists(testContext(), suite.name("missing/obj"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func (suite *StoreTestSuite) testGetPastEnd(t *testing.T) {
	s := suite.store(t)
	name := suite.name("short/obj")
	mustPut(t, s, name, pattern(1000, 0x09), 0)

	err := s.Get(testContext(), name, make([]byte, 100), 950)
	assert.ErrorIs(t, err, block.ErrShortTransfer)

	err = s.Get(testContext(), name, make([]byte, 10), 5000)
	assert.ErrorIs(t, err, block.ErrShortTransfer)
}

func (suite *StoreTestSuite) testInvalidName(t *testing.T) {
	s := suite.store(t)

	assert.ErrorIs(t, s.Put(testContext(), "", []byte("x"), 0), block.ErrInvalidName)
	assert.ErrorIs(t, s.Put(testContext(), "../escape", []byte("x"), 0), block.ErrInvalidName)
}

func (suite *StoreTestSuite) testDeleteIdempotent(t *testing.T) {
	s := suite.store(t)
	name := suite.name("del/obj")
	mustPut(t, s, name, pattern(64, 0x0a), 0)

	exists, err := s.Exists(testContext(), name)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(testContext(), name))
	require.NoError(t, s.Delete(testContext(), name))

	exists, err = s.Exists(testContext(), name)
	require.NoError(t, err)
	assert.False(t, exists)
}
