package cow

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_Examples(t *testing.T) {
	const bs = 4096

	tests := []struct {
		name   string
		offset uint64
		length uint64
		want   []Range
	}{
		{"Empty", 100, 0, nil},
		{"WithinBlock", 10, 100, []Range{{Offset: 10, Length: 100, BlockNo: 0}}},
		{"ExactBlock", bs, bs, []Range{{Offset: bs, Length: bs, BlockNo: 1}}},
		{"Unaligned", 4000, 200, []Range{
			{Offset: 4000, Length: 96, BlockNo: 0},
			{Offset: 4096, Length: 104, BlockNo: 1},
		}},
		{"SpansThree", bs - 1, bs + 2, []Range{
			{Offset: bs - 1, Length: 1, BlockNo: 0},
			{Offset: bs, Length: bs, BlockNo: 1},
			{Offset: 2 * bs, Length: 1, BlockNo: 2},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.offset, tt.length, bs))
		})
	}
}

func TestSplit_CoversRequestExactly(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	sizes := []uint64{4096, 65536, 1 << 20}

	for i := 0; i < 5000; i++ {
		bs := sizes[r.Intn(len(sizes))]
		offset := uint64(r.Int63n(16 << 20))
		length := uint64(r.Int63n(4 << 20))

		ranges := Split(offset, length, bs)
		if length == 0 {
			require.Empty(t, ranges)
			continue
		}

		pos := offset
		var total uint64
		for _, rg := range ranges {
			require.Equal(t, pos, rg.Offset, "ranges must be contiguous")
			require.NotZero(t, rg.Length)
			require.Equal(t, rg.Offset/bs, rg.BlockNo)
			require.Equal(t, rg.BlockNo, (rg.End()-1)/bs, "range crosses a block boundary")
			pos = rg.End()
			total += rg.Length
		}
		require.Equal(t, offset+length, pos)
		require.Equal(t, length, total)
	}
}

func TestBlocksAndBounds(t *testing.T) {
	assert.Equal(t, []uint64{2, 3}, Blocks(2*4096+5, 4096, 4096))

	start, end := BlockBounds(3, 4096)
	assert.Equal(t, uint64(12288), start)
	assert.Equal(t, uint64(16384), end)

	rg := Range{Offset: 12300, Length: 10, BlockNo: 3}
	assert.Equal(t, uint64(12), rg.InBlockOffset(4096))
}

func TestValidateBlockSize(t *testing.T) {
	assert.NoError(t, ValidateBlockSize(DefaultBlockSize, 512))
	assert.ErrorIs(t, ValidateBlockSize(3000, 512), ErrInvalidBlockSize)
	assert.ErrorIs(t, ValidateBlockSize(6<<20, 512), ErrInvalidBlockSize)
	assert.ErrorIs(t, ValidateBlockSize(1<<30, 512), ErrInvalidBlockSize)
	assert.ErrorIs(t, ValidateBlockSize(4096, 8192), ErrInvalidBlockSize)
}
