package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("vol0/s1/3f2a"))
	assert.NoError(t, ValidateName("object"))

	for _, bad := range []string{"", "/abs", "a//b", "a/../b", "./a", "a/"} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
}
