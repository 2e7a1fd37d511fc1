package interval

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsert_MergesOverlappingAndAdjacent(t *testing.T) {
	s := &Set{}
	s.Insert(10, 5) // [10,15)
	s.Insert(20, 5) // [20,25)
	s.Insert(15, 5) // bridges both
	require.Equal(t, []Interval{{10, 25}}, s.Intervals())

	s.Insert(0, 2)
	s.Insert(1, 3) // overlaps [0,2)
	s.Insert(30, 0)
	assert.Equal(t, []Interval{{0, 4}, {10, 25}}, s.Intervals())
	assert.Equal(t, uint64(19), s.Size())
}

func TestIntersection(t *testing.T) {
	a := FromIntervals(Interval{0, 10}, Interval{20, 30})
	b := FromIntervals(Interval{5, 25})

	got := a.Intersection(b)
	assert.Equal(t, []Interval{{5, 10}, {20, 25}}, got.Intervals())

	a.IntersectWith(&Set{})
	assert.True(t, a.Empty())
}

func TestDifference(t *testing.T) {
	a := FromIntervals(Interval{0, 100})
	b := FromIntervals(Interval{10, 20}, Interval{30, 40}, Interval{90, 120})

	a.Subtract(b)
	assert.Equal(t, []Interval{{0, 10}, {20, 30}, {40, 90}}, a.Intervals())
}

func TestContains(t *testing.T) {
	s := FromIntervals(Interval{0, 10}, Interval{20, 30})

	assert.True(t, s.Contains(0, 10))
	assert.True(t, s.Contains(22, 3))
	assert.False(t, s.Contains(5, 10))
	assert.False(t, s.Contains(10, 1))
	assert.True(t, s.Contains(50, 0))
}

// bitmap is a brute-force model used to check the algebraic laws.
type bitmap [256]bool

func toBitmap(s *Set) bitmap {
	var b bitmap
	for _, iv := range s.Intervals() {
		for v := iv.Start; v < iv.End; v++ {
			b[v] = true
		}
	}
	return b
}

func randomSet(r *rand.Rand) *Set {
	s := &Set{}
	for n := r.Intn(6); n > 0; n-- {
		start := uint64(r.Intn(200))
		s.Insert(start, uint64(r.Intn(40)))
	}
	return s
}

func assertCanonical(t *testing.T, s *Set) {
	t.Helper()
	ivs := s.Intervals()
	for i, iv := range ivs {
		require.Less(t, iv.Start, iv.End, "empty interval stored: %s", s)
		if i > 0 {
			require.Less(t, ivs[i-1].End, iv.Start, "unsorted or uncoalesced: %s", s)
		}
	}
}

func TestAlgebraLaws(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		a, b := randomSet(r), randomSet(r)
		inter := a.Intersection(b)
		diff := a.Difference(b)

		assertCanonical(t, inter)
		assertCanonical(t, diff)

		ab, bb := toBitmap(a), toBitmap(b)
		ib, db := toBitmap(inter), toBitmap(diff)

		for v := range ab {
			// (A ∩ B) ⊆ A and (A ∩ B) ⊆ B
			if ib[v] {
				require.True(t, ab[v] && bb[v], "intersection escapes operands at %d", v)
			}
			// (A − B) ∩ B = ∅
			if db[v] {
				require.False(t, bb[v], "difference overlaps B at %d", v)
			}
			// A = (A ∩ B) ∪ (A − B), disjointly
			require.Equal(t, ab[v], ib[v] || db[v], "partition broken at %d", v)
			require.False(t, ib[v] && db[v], "partition overlaps at %d", v)
		}

		assert.False(t, diff.Overlaps(b))
		assert.Equal(t, a.Size(), inter.Size()+diff.Size())
		assert.Equal(t, toBitmap(a.Union(b)), toBitmap(b.Union(a)))
	}
}
