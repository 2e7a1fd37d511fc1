package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunListTests covers prefix listing, which garbage collection relies on.
func (suite *StoreTestSuite) RunListTests(t *testing.T) {
	s := suite.store(t)

	names := []string{"vol1/s1/b", "vol1/s1/a", "vol1/s2/a", "vol2/s1/a"}
	for i, n := range names {
		mustPut(t, s, suite.name(n), pattern(128*(i+1), byte(i)), 0)
	}

	infos, err := s.List(testContext(), suite.name("vol1/"))
	require.NoError(t, err)
	require.Len(t, infos, 3)

	assert.Equal(t, suite.name("vol1/s1/a"), infos[0].Name)
	assert.Equal(t, suite.name("vol1/s1/b"), infos[1].Name)
	assert.Equal(t, suite.name("vol1/s2/a"), infos[2].Name)
	assert.Equal(t, int64(256), infos[0].Size)

	infos, err = s.List(testContext(), suite.name("vol3/"))
	require.NoError(t, err)
	assert.Empty(t, infos)
}
