package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/store/block"
)

// RunLifecycleTests covers health checks and Close.
func (suite *StoreTestSuite) RunLifecycleTests(t *testing.T) {
	s := suite.NewStore(t)

	require.NoError(t, s.HealthCheck(testContext()))
	require.NoError(t, s.Close())

	err := s.Put(testContext(), suite.name("closed/obj"), []byte("x"), 0)
	assert.ErrorIs(t, err, block.ErrStoreClosed)

	err = s.Get(testContext(), suite.name("closed/obj"), make([]byte, 1), 0)
	assert.ErrorIs(t, err, block.ErrStoreClosed)
}
