package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/store/block"
	storetesting "github.com/marmos91/dittosnap/pkg/store/block/testing"
)

func TestFSBlockStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) block.Store {
			s, err := NewFSBlockStore(context.Background(), t.TempDir(), nil)
			require.NoError(t, err)
			return s
		},
	}
	suite.Run(t)
}

func TestFSBlockStore_Layout(t *testing.T) {
	base := t.TempDir()
	s, err := NewFSBlockStore(context.Background(), base, nil)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "vol0/s1/obj", []byte("image"), 0))

	data, err := os.ReadFile(filepath.Join(base, "vol0", "s1", "obj"))
	require.NoError(t, err)
	assert.Equal(t, "image", string(data))
}

func TestFSBlockStore_RequiresPath(t *testing.T) {
	_, err := NewFSBlockStore(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestFSBlockStore_PutStagesThenRenames(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	staging := filepath.Join(base, stagingDir)

	// A torn file from an earlier crash is cleared on open
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "put-123"), []byte("torn"), 0o644))

	s, err := NewFSBlockStore(ctx, base, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.Put(ctx, "vol0/s1/obj", []byte("abcdef"), 0))
	require.NoError(t, s.Put(ctx, "vol0/s1/obj", []byte("XY"), 2))

	data, err := os.ReadFile(filepath.Join(base, "vol0", "s1", "obj"))
	require.NoError(t, err)
	assert.Equal(t, "abXY", string(data))

	// A Put past the end of a missing object leaves zeros before it
	require.NoError(t, s.Put(ctx, "vol0/s1/sparse", []byte("Z"), 3))
	data, err = os.ReadFile(filepath.Join(base, "vol0", "s1", "sparse"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 'Z'}, data)

	entries, err = os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries, "no staging files remain after Put")

	infos, err := s.List(ctx, "")
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"vol0/s1/obj", "vol0/s1/sparse"}, names)

	assert.ErrorIs(t, s.Put(ctx, stagingDir+"/x", []byte("x"), 0), block.ErrInvalidName)
}
