package extent

import (
	"fmt"
	"sort"

	"github.com/sycomix/fstransform/internal/fserr"
)

// Map is a canonical extent map: entries sorted by logical offset,
// never overlapping in logical space, and fully coalesced (no two
// adjacent entries are contiguous in both logical and physical
// space). The zero value is not usable; call NewMap.
type Map[T Uint] struct {
	entries []Extent[T]
}

// NewMap returns an empty canonical map.
func NewMap[T Uint]() *Map[T] {
	return &Map[T]{}
}

// Len returns the number of canonical entries.
func (m *Map[T]) Len() int { return len(m.entries) }

// Extents returns the canonical entries in logical order. The slice
// is shared with the map; callers must not mutate it.
func (m *Map[T]) Extents() []Extent[T] { return m.entries }

// TotalCount returns the sum of all entry lengths.
func (m *Map[T]) TotalCount() T {
	var n T
	for _, e := range m.entries {
		n += e.Length
	}
	return n
}

// Clone returns an independent copy of the map.
func (m *Map[T]) Clone() *Map[T] {
	dup := &Map[T]{entries: make([]Extent[T], len(m.entries))}
	copy(dup.entries, m.entries)
	return dup
}

// firstEndingAfter returns the index of the first entry whose logical
// end is strictly greater than logical.
func (m *Map[T]) firstEndingAfter(logical T) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].LogicalEnd() > logical
	})
}

// Insert merges e into the map. Inserting a zero-length extent is a
// no-op. Re-inserting an already-present subrange with the same
// mapping is idempotent; an overlap with a different physical mapping
// fails with fserr.ErrOverlapConflict. Offsets whose end would wrap
// the offset type fail with fserr.ErrOverflow.
func (m *Map[T]) Insert(e Extent[T]) error {
	if e.Length == 0 {
		return nil
	}
	if e.LogicalEnd() < e.Logical || e.PhysicalEnd() < e.Physical {
		return fmt.Errorf("extent (physical=%d logical=%d length=%d): %w",
			uint64(e.Physical), uint64(e.Logical), uint64(e.Length), fserr.ErrOverflow)
	}

	lo, hi := e.Logical, e.LogicalEnd()
	i := m.firstEndingAfter(e.Logical)
	j := i
	for ; j < len(m.entries) && m.entries[j].Logical < e.LogicalEnd(); j++ {
		ov := m.entries[j]
		if ov.delta() != e.delta() {
			return fmt.Errorf("extent logical=%d length=%d overlaps logical=%d length=%d with different mapping: %w",
				uint64(e.Logical), uint64(e.Length), uint64(ov.Logical), uint64(ov.Length),
				fserr.ErrOverlapConflict)
		}
		if ov.Logical < lo {
			lo = ov.Logical
		}
		if end := ov.LogicalEnd(); end > hi {
			hi = end
		}
	}

	merged := Extent[T]{
		Physical: e.Physical - (e.Logical - lo),
		Logical:  lo,
		Length:   hi - lo,
	}

	// Splice merged over entries[i:j], then coalesce with the
	// immediate neighbors.
	m.entries = append(m.entries[:i], append([]Extent[T]{merged}, m.entries[j:]...)...)
	m.coalesceAround(i)
	return nil
}

// coalesceAround merges entry i with its neighbors where both logical
// and physical spaces are contiguous.
func (m *Map[T]) coalesceAround(i int) {
	if i > 0 {
		prev, cur := m.entries[i-1], m.entries[i]
		if prev.LogicalEnd() == cur.Logical && prev.PhysicalEnd() == cur.Physical {
			prev.Length += cur.Length
			m.entries = append(m.entries[:i-1], append([]Extent[T]{prev}, m.entries[i+1:]...)...)
			i--
		}
	}
	if i+1 < len(m.entries) {
		cur, next := m.entries[i], m.entries[i+1]
		if cur.LogicalEnd() == next.Logical && cur.PhysicalEnd() == next.Physical {
			cur.Length += next.Length
			m.entries = append(m.entries[:i], append([]Extent[T]{cur}, m.entries[i+2:]...)...)
		}
	}
}

// Remove deletes the logical range [logical, logical+length) from the
// map, splitting entries that partially overlap it.
func (m *Map[T]) Remove(logical, length T) {
	if length == 0 {
		return
	}
	end := logical + length
	out := m.entries[:0:0]
	for _, e := range m.entries {
		if e.LogicalEnd() <= logical || e.Logical >= end {
			out = append(out, e)
			continue
		}
		if e.Logical < logical {
			out = append(out, Extent[T]{
				Physical: e.Physical,
				Logical:  e.Logical,
				Length:   logical - e.Logical,
			})
		}
		if e.LogicalEnd() > end {
			out = append(out, Extent[T]{
				Physical: e.Physical + (end - e.Logical),
				Logical:  end,
				Length:   e.LogicalEnd() - end,
			})
		}
	}
	m.entries = out
}

// IntersectAll returns the extents present in both maps with a
// consistent mapping. Overlaps whose physical mappings disagree are
// dropped.
func (m *Map[T]) IntersectAll(other *Map[T]) *Map[T] {
	out := NewMap[T]()
	a, b := m.entries, other.entries
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := a[i].Logical
		if b[j].Logical > lo {
			lo = b[j].Logical
		}
		hi := a[i].LogicalEnd()
		if end := b[j].LogicalEnd(); end < hi {
			hi = end
		}
		if lo < hi && a[i].delta() == b[j].delta() {
			// Insert cannot fail: inputs are canonical, outputs disjoint.
			_ = out.Insert(Extent[T]{
				Physical: a[i].Physical + (lo - a[i].Logical),
				Logical:  lo,
				Length:   hi - lo,
			})
		}
		if a[i].LogicalEnd() <= b[j].LogicalEnd() {
			i++
		} else {
			j++
		}
	}
	return out
}

// complementRanges turns a sorted, non-overlapping list of [start,
// end) pairs into the identity extents covering their gaps within
// [0, total).
func complementRanges[T Uint](starts, ends []T, total T) *Map[T] {
	out := NewMap[T]()
	var pos T
	for k := range starts {
		s, e := starts[k], ends[k]
		if s > total {
			s = total
		}
		if e > total {
			e = total
		}
		if s > pos {
			_ = out.Insert(Extent[T]{Physical: pos, Logical: pos, Length: s - pos})
		}
		if e > pos {
			pos = e
		}
	}
	if total > pos {
		_ = out.Insert(Extent[T]{Physical: pos, Logical: pos, Length: total - pos})
	}
	return out
}

// Complement0Physical returns the extents covering [0, totalLength)
// minus the physical ranges of the map. Output extents have logical
// equal to physical. Physical ranges of a canonical residence map are
// assumed non-overlapping.
func (m *Map[T]) Complement0Physical(totalLength T) *Map[T] {
	byPhys := make([]Extent[T], len(m.entries))
	copy(byPhys, m.entries)
	sort.Slice(byPhys, func(i, j int) bool { return byPhys[i].Physical < byPhys[j].Physical })

	starts := make([]T, len(byPhys))
	ends := make([]T, len(byPhys))
	for k, e := range byPhys {
		starts[k], ends[k] = e.Physical, e.PhysicalEnd()
	}
	return complementRanges(starts, ends, totalLength)
}

// Complement0Logical is the dual of Complement0Physical, keyed by
// logical offset.
func (m *Map[T]) Complement0Logical(totalLength T) *Map[T] {
	starts := make([]T, len(m.entries))
	ends := make([]T, len(m.entries))
	for k, e := range m.entries {
		starts[k], ends[k] = e.Logical, e.LogicalEnd()
	}
	return complementRanges(starts, ends, totalLength)
}

// Complement0LogicalShift complements the logical coverage of a raw
// byte-unit vector against [0, totalLength >> blockSizeLog2),
// converting to blocks first. Every offset and length in the vector
// must be a multiple of the block size.
func Complement0LogicalShift[T Uint](v Vector[T], blockSizeLog2 uint, totalLength T) (*Map[T], error) {
	mask := (T(1) << blockSizeLog2) - 1
	starts := make([]T, 0, len(v))
	ends := make([]T, 0, len(v))
	for _, e := range v {
		if e.Logical&mask != 0 || e.Length&mask != 0 {
			return nil, fmt.Errorf("extent logical=%d length=%d not aligned to block size 2^%d: %w",
				uint64(e.Logical), uint64(e.Length), blockSizeLog2, fserr.ErrInvalid)
		}
		starts = append(starts, e.Logical>>blockSizeLog2)
		ends = append(ends, (e.Logical+e.Length)>>blockSizeLog2)
	}
	sort.Sort(&rangeSorter[T]{starts, ends})
	return complementRanges(starts, ends, totalLength>>blockSizeLog2), nil
}

type rangeSorter[T Uint] struct {
	starts, ends []T
}

func (r *rangeSorter[T]) Len() int           { return len(r.starts) }
func (r *rangeSorter[T]) Less(i, j int) bool { return r.starts[i] < r.starts[j] }
func (r *rangeSorter[T]) Swap(i, j int) {
	r.starts[i], r.starts[j] = r.starts[j], r.starts[i]
	r.ends[i], r.ends[j] = r.ends[j], r.ends[i]
}

// ShiftLeft multiplies every physical offset, logical offset and
// length by 2^n, converting blocks to a finer unit. Fails with
// fserr.ErrOverflow when a shifted value would not round-trip.
func (m *Map[T]) ShiftLeft(n uint) error {
	for i := range m.entries {
		e := &m.entries[i]
		if (e.Physical<<n)>>n != e.Physical || (e.Logical<<n)>>n != e.Logical || (e.Length<<n)>>n != e.Length {
			return fmt.Errorf("shift left by %d: %w", n, fserr.ErrOverflow)
		}
		e.Physical <<= n
		e.Logical <<= n
		e.Length <<= n
	}
	return nil
}

// ShiftRight divides every physical offset, logical offset and length
// by 2^n, converting a finer unit to blocks. Every value must be a
// multiple of 2^n.
func (m *Map[T]) ShiftRight(n uint) error {
	mask := (T(1) << n) - 1
	for i := range m.entries {
		e := &m.entries[i]
		if e.Physical&mask != 0 || e.Logical&mask != 0 || e.Length&mask != 0 {
			return fmt.Errorf("shift right by %d: entry not aligned: %w", n, fserr.ErrInvalid)
		}
		e.Physical >>= n
		e.Logical >>= n
		e.Length >>= n
	}
	return nil
}
