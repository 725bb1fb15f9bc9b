// Package storage plans and materializes the scratch space the remap
// worker shuffles blocks through: free device regions ("primary
// storage") plus an optional overflow file on another filesystem
// ("secondary storage"), presented as one contiguous mmapped buffer.
package storage

import (
	"fmt"
	"sort"

	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/fserr"
)

// Plan is the outcome of storage planning: which device regions serve
// as primary storage and how large the secondary-storage file must
// be. All units are bytes.
type Plan struct {
	// Primary holds the chosen device regions, physical == logical
	// (identity extents in device space).
	Primary extent.Vector[uint64]

	// SecondaryLength is the overflow to allocate on an auxiliary
	// filesystem, 0 when primary suffices.
	SecondaryLength uint64

	// Total is the exact storage budget; the mmap reservation will
	// have exactly this size.
	Total uint64
}

// PrimaryLength returns the total length of the primary extents.
func (p *Plan) PrimaryLength() uint64 { return p.Primary.TotalCount() }

// New chooses storage regions. Candidate primary space is every
// device region that is free in FS-A and not holding loop-file data;
// candidates are taken greedily, longest first (ties to the lowest
// physical offset), until the requested budget is met, trimming the
// last extent to land exactly on it. A shortfall becomes
// SecondaryLength, or fails with fserr.ErrStorageTooSmall when exact
// is set.
func New(loopFile, freeSpace *extent.Map[uint64], deviceLength, requested uint64, exact bool) (*Plan, error) {
	if requested == 0 {
		return nil, fmt.Errorf("storage budget is zero: %w", fserr.ErrInvalid)
	}

	// Both complements are keyed by physical offset and produce
	// identity extents, so their logical intersection is exactly the
	// physical-space intersection "free AND NOT loop".
	notLoop := loopFile.Complement0Physical(deviceLength)
	freeIdentity := freeSpace.Complement0Physical(deviceLength).Complement0Physical(deviceLength)
	candidates := freeIdentity.IntersectAll(notLoop).Extents()

	chosen := make(extent.Vector[uint64], len(candidates))
	copy(chosen, candidates)
	sort.Slice(chosen, func(i, j int) bool {
		if chosen[i].Length != chosen[j].Length {
			return chosen[i].Length > chosen[j].Length
		}
		return chosen[i].Physical < chosen[j].Physical
	})

	plan := &Plan{Total: requested}
	var got uint64
	for _, e := range chosen {
		if got >= requested {
			break
		}
		if left := requested - got; e.Length > left {
			e.Length = left
		}
		plan.Primary = append(plan.Primary, e)
		got += e.Length
	}

	if got < requested {
		if exact {
			return nil, fmt.Errorf("need %d bytes of storage, only %d available on device: %w",
				requested, got, fserr.ErrStorageTooSmall)
		}
		plan.SecondaryLength = requested - got
	}
	return plan, nil
}
