// Package interval implements a set of half-open uint64 ranges.
//
// A Set keeps its intervals sorted, non-overlapping and coalesced: two
// intervals that touch ([0,4) and [4,8)) are stored as one. The zero value is
// an empty set ready to use. Sets are not safe for concurrent mutation; the
// snapshot read path builds a fresh set per request.
package interval

import (
	"fmt"
	"sort"
	"strings"
)

// Interval is the half-open range [Start, End).
type Interval struct {
	Start uint64
	End   uint64
}

// Len returns End - Start.
func (iv Interval) Len() uint64 {
	return iv.End - iv.Start
}

// Empty reports whether the interval covers no values.
func (iv Interval) Empty() bool {
	return iv.End <= iv.Start
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d,%d)", iv.Start, iv.End)
}

// Set is an ordered collection of disjoint intervals.
type Set struct {
	ivs []Interval
}

// New returns a set holding [start, start+length).
func New(start, length uint64) *Set {
	s := &Set{}
	s.Insert(start, length)
	return s
}

// FromIntervals builds a set from arbitrary, possibly overlapping, intervals.
func FromIntervals(ivs ...Interval) *Set {
	s := &Set{}
	for _, iv := range ivs {
		s.InsertInterval(iv)
	}
	return s
}

// Insert adds [start, start+length). Overlapping or adjacent intervals are merged.
func (s *Set) Insert(start, length uint64) {
	s.InsertInterval(Interval{Start: start, End: start + length})
}

// InsertInterval adds iv to the set.
func (s *Set) InsertInterval(iv Interval) {
	if iv.Empty() {
		return
	}

	// first interval that ends at or after iv.Start (adjacency merges too)
	i := sort.Search(len(s.ivs), func(k int) bool { return s.ivs[k].End >= iv.Start })

	j := i
	for j < len(s.ivs) && s.ivs[j].Start <= iv.End {
		if s.ivs[j].Start < iv.Start {
			iv.Start = s.ivs[j].Start
		}
		if s.ivs[j].End > iv.End {
			iv.End = s.ivs[j].End
		}
		j++
	}

	// replace s.ivs[i:j] with the merged interval
	if i == j {
		s.ivs = append(s.ivs, Interval{})
		copy(s.ivs[i+1:], s.ivs[i:])
		s.ivs[i] = iv
		return
	}
	s.ivs[i] = iv
	s.ivs = append(s.ivs[:i+1], s.ivs[j:]...)
}

// Intersection returns a new set with the values present in both s and other.
func (s *Set) Intersection(other *Set) *Set {
	out := &Set{}
	a, b := s.ivs, other.ivs
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End, b[j].End)
		if start < end {
			out.ivs = append(out.ivs, Interval{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}

// IntersectWith replaces s with s ∩ other.
func (s *Set) IntersectWith(other *Set) {
	s.ivs = s.Intersection(other).ivs
}

// Difference returns a new set with the values of s that are not in other.
func (s *Set) Difference(other *Set) *Set {
	out := &Set{}
	b := other.ivs
	j := 0
	for _, iv := range s.ivs {
		cur := iv.Start
		// skip subtrahend intervals entirely left of iv
		for j < len(b) && b[j].End <= iv.Start {
			j++
		}
		k := j
		for k < len(b) && b[k].Start < iv.End {
			if b[k].Start > cur {
				out.ivs = append(out.ivs, Interval{Start: cur, End: b[k].Start})
			}
			if b[k].End > cur {
				cur = b[k].End
			}
			k++
		}
		if cur < iv.End {
			out.ivs = append(out.ivs, Interval{Start: cur, End: iv.End})
		}
	}
	return out
}

// Subtract removes every value of other from s.
func (s *Set) Subtract(other *Set) {
	s.ivs = s.Difference(other).ivs
}

// Union returns a new set with the values of either set.
func (s *Set) Union(other *Set) *Set {
	out := s.Clone()
	for _, iv := range other.ivs {
		out.InsertInterval(iv)
	}
	return out
}

// Contains reports whether [start, start+length) is fully covered by s.
func (s *Set) Contains(start, length uint64) bool {
	if length == 0 {
		return true
	}
	end := start + length
	i := sort.Search(len(s.ivs), func(k int) bool { return s.ivs[k].End > start })
	return i < len(s.ivs) && s.ivs[i].Start <= start && s.ivs[i].End >= end
}

// Overlaps reports whether s and other share at least one value.
func (s *Set) Overlaps(other *Set) bool {
	return !s.Intersection(other).Empty()
}

// Intervals returns the intervals in ascending order. The slice is a copy.
func (s *Set) Intervals() []Interval {
	out := make([]Interval, len(s.ivs))
	copy(out, s.ivs)
	return out
}

// Count returns the number of disjoint intervals.
func (s *Set) Count() int {
	return len(s.ivs)
}

// Size returns the number of values covered.
func (s *Set) Size() uint64 {
	var total uint64
	for _, iv := range s.ivs {
		total += iv.Len()
	}
	return total
}

// Empty reports whether the set covers nothing.
func (s *Set) Empty() bool {
	return len(s.ivs) == 0
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	return &Set{ivs: s.Intervals()}
}

func (s *Set) String() string {
	parts := make([]string, len(s.ivs))
	for i, iv := range s.ivs {
		parts[i] = iv.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
