// Package extent implements the ordered interval algebra the remap
// engine is built on: extents, raw extent vectors, and canonical
// extent maps with union, intersection, complement and shift
// operations. All offsets are in the caller's unit (bytes or blocks);
// the algebra itself is unit-agnostic.
package extent

import (
	"math/bits"
	"sort"
)

// Uint is the set of offset types the algebra is parameterized over.
// The offset type must be wide enough to address the device in bytes;
// the rest of the system instantiates uint64.
type Uint interface {
	~uint32 | ~uint64 | ~uintptr
}

// Extent is a contiguous range: Length units of data living at device
// offset Physical, belonging at offset Logical.
type Extent[T Uint] struct {
	Physical T
	Logical  T
	Length   T
}

// PhysicalEnd returns the first physical offset past the extent.
func (e Extent[T]) PhysicalEnd() T { return e.Physical + e.Length }

// LogicalEnd returns the first logical offset past the extent.
func (e Extent[T]) LogicalEnd() T { return e.Logical + e.Length }

// delta is the physical-minus-logical displacement. Two extents agree
// on their overlap iff their deltas are equal; unsigned wraparound
// preserves the equality.
func (e Extent[T]) delta() T { return e.Physical - e.Logical }

// Vector is a raw, possibly unordered and uncoalesced extent
// sequence, as produced by a filesystem probe.
type Vector[T Uint] []Extent[T]

// Append adds one extent to the vector. Zero-length extents are
// dropped.
func (v *Vector[T]) Append(physical, logical, length T) {
	if length == 0 {
		return
	}
	*v = append(*v, Extent[T]{Physical: physical, Logical: logical, Length: length})
}

// SortByLogical orders the vector by logical offset.
func (v Vector[T]) SortByLogical() {
	sort.Slice(v, func(i, j int) bool { return v[i].Logical < v[j].Logical })
}

// SortByPhysical orders the vector by physical offset.
func (v Vector[T]) SortByPhysical() {
	sort.Slice(v, func(i, j int) bool { return v[i].Physical < v[j].Physical })
}

// TotalCount returns the sum of all extent lengths.
func (v Vector[T]) TotalCount() T {
	var n T
	for _, e := range v {
		n += e.Length
	}
	return n
}

// ToMap canonicalizes the vector into a Map. Overlapping entries with
// conflicting mappings are an error.
func (v Vector[T]) ToMap() (*Map[T], error) {
	m := NewMap[T]()
	for _, e := range v {
		if err := m.Insert(e); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Bitmask returns the bitwise-OR of every physical offset, logical
// offset and length in the vector.
func (v Vector[T]) Bitmask() T {
	var mask T
	for _, e := range v {
		mask |= e.Physical | e.Logical | e.Length
	}
	return mask
}

// EffectiveBlockSizeLog2 returns log2 of the largest power of two
// dividing every value accumulated into mask, i.e. the count of
// trailing zero bits. A zero mask reports 0, meaning "no block size
// could be determined".
func EffectiveBlockSizeLog2[T Uint](mask T) uint {
	if mask == 0 {
		return 0
	}
	return uint(bits.TrailingZeros64(uint64(mask)))
}
