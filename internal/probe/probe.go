// Package probe discovers the physical extent layout of files and the
// size of block devices. The remap engine consumes extents through
// the Probe interface and does not assume any particular kernel
// mechanism.
package probe

import (
	"os"

	"github.com/sycomix/fstransform/internal/extent"
)

// Probe reads physical extent lists for open files.
//
// Extents returns byte-unit (physical, logical, length) triples
// covering the file's data exactly once without overlap, plus the
// bitwise-OR of every offset and length returned (the block-size
// bitmask delta). Holes appear as missing records, never as
// zero-physical extents.
type Probe interface {
	Extents(f *os.File) (extent.Vector[uint64], uint64, error)
}

// appendChecked accumulates one extent and its bitmask contribution.
func appendChecked(v *extent.Vector[uint64], mask *uint64, physical, logical, length uint64) {
	if length == 0 {
		return
	}
	v.Append(physical, logical, length)
	*mask |= physical | logical | length
}
