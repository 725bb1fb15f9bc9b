// Package remap drives the block-shuffle loop: it moves every
// loop-file block from where it currently lives on the device to
// where the contained filesystem expects it, using the planned
// storage as scratch to break circular dependencies in the
// permutation.
package remap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/fserr"
	"github.com/sycomix/fstransform/internal/storage"
	"github.com/sycomix/fstransform/internal/ui"
)

// copyChunk bounds single copy operations and storage evictions.
const copyChunk = 1 << 20

// Params configures one remap run. Maps are in bytes; offsets and
// lengths are multiples of the effective block size.
type Params struct {
	Device       *os.File
	Store        *storage.Storage
	StorePlan    *storage.Plan
	LoopFile     *extent.Map[uint64] // physical = current residence, logical = target offset
	FreeSpace    *extent.Map[uint64] // physical = unused device blocks
	DeviceLength uint64
	Limiter      *rate.Limiter
}

// stagedChunk is loop data parked in storage, waiting for its target
// range to free up.
type stagedChunk struct {
	dst      uint64 // target device offset
	storeOff uint64 // offset inside the storage buffer
	length   uint64
}

type worker struct {
	p       Params
	buf     []byte
	pending *extent.Map[uint64] // logical = target, physical = current residence
	// occupied is an identity map over device blocks that must not be
	// overwritten yet: sources of pending data and device blocks
	// backing staged storage chunks.
	occupied  *extent.Map[uint64]
	storeFree *extent.Map[uint64] // identity freelist over the storage buffer
	staged    []stagedChunk
	writable  *extent.Map[uint64] // identity union of loop targets and free space
	moved     uint64
	total     uint64
}

// Run shuffles blocks until the loop-file's data occupies the device
// at its target offsets. A device write error is always fatal and
// leaves the device partially remapped; Run keeps no record of its
// progress and always starts from the maps it is given.
func Run(ctx context.Context, p Params) error {
	w := &worker{
		p:         p,
		buf:       make([]byte, copyChunk),
		pending:   extent.NewMap[uint64](),
		occupied:  extent.NewMap[uint64](),
		storeFree: extent.NewMap[uint64](),
	}

	for _, e := range p.LoopFile.Extents() {
		if e.Physical == e.Logical {
			continue // already in place
		}
		if err := w.pending.Insert(e); err != nil {
			return fmt.Errorf("loop-file map: %w", err)
		}
		if err := w.occupied.Insert(identity(e.Physical, e.Length)); err != nil {
			return fmt.Errorf("loop-file residence overlaps itself: %w", err)
		}
	}
	if size := p.Store.Size(); size > 0 {
		_ = w.storeFree.Insert(identity(0, size))
	}

	// Writes may only land on loop-file targets, free space, or
	// storage. Double complements normalize both maps to identity
	// coverage so they can be unioned.
	w.writable = p.LoopFile.Complement0Logical(p.DeviceLength).Complement0Logical(p.DeviceLength)
	for _, e := range p.FreeSpace.Complement0Physical(p.DeviceLength).Complement0Physical(p.DeviceLength).Extents() {
		if err := w.writable.Insert(e); err != nil {
			return fmt.Errorf("free-space map: %w", err)
		}
	}

	w.total = w.pending.TotalCount()
	slog.Info("remapping device blocks",
		"relocate", ui.FormatBytes(w.total),
		"extents", w.pending.Len(),
		"storage", ui.FormatBytes(p.Store.Size()))

	for w.pending.Len() > 0 || len(w.staged) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress := false

		flushed, err := w.flushStaged(ctx)
		if err != nil {
			return err
		}
		progress = progress || flushed

		movedAny, err := w.moveDirect(ctx)
		if err != nil {
			return err
		}
		progress = progress || movedAny

		if progress {
			continue
		}

		if err := w.evictOne(); err != nil {
			return err
		}
	}

	slog.Info("remap complete", "moved", ui.FormatBytes(w.moved))
	return nil
}

func identity(off, length uint64) extent.Extent[uint64] {
	return extent.Extent[uint64]{Physical: off, Logical: off, Length: length}
}

// freeSubranges returns the parts of [start, start+length) not
// covered by the occupied map.
func (w *worker) freeSubranges(start, length uint64) []extent.Extent[uint64] {
	blocked := w.occupied.Clone()
	blocked.Remove(0, start)
	blocked.Remove(start+length, ^uint64(0)-(start+length))
	var gaps []extent.Extent[uint64]
	pos := start
	for _, e := range blocked.Extents() {
		if e.Logical > pos {
			gaps = append(gaps, identity(pos, e.Logical-pos))
		}
		pos = e.LogicalEnd()
	}
	if end := start + length; end > pos {
		gaps = append(gaps, identity(pos, end-pos))
	}
	return gaps
}

// rangeFree reports whether [start, start+length) is wholly
// unoccupied.
func (w *worker) rangeFree(start, length uint64) bool {
	gaps := w.freeSubranges(start, length)
	return len(gaps) == 1 && gaps[0].Logical == start && gaps[0].Length == length
}

// checkWritable fails unless [start, start+length) lies inside the
// union of loop-file targets and free space.
func (w *worker) checkWritable(start, length uint64) error {
	covered := w.writable.Clone()
	covered.Remove(0, start)
	covered.Remove(start+length, ^uint64(0)-(start+length))
	if covered.TotalCount() != length {
		return fmt.Errorf("write to [%d, %d) leaves permitted regions: %w",
			start, start+length, fserr.ErrInvalid)
	}
	return nil
}

// deviceWrite writes buf to the device at dst and retires any storage
// buffer ranges whose backing device blocks it just covered with loop
// data.
func (w *worker) deviceWrite(ctx context.Context, buf []byte, dst uint64) error {
	if err := w.checkWritable(dst, uint64(len(buf))); err != nil {
		return err
	}
	if err := pwriteFull(ctx, w.p.Device, buf, int64(dst), w.p.Limiter); err != nil {
		return fmt.Errorf("device write at %d: %w", dst, err)
	}
	w.retireAliasedStore(dst, uint64(len(buf)))
	return nil
}

// retireAliasedStore permanently removes from the storage freelist
// every buffer range whose primary-storage backing blocks intersect
// the device range [dst, dst+length): those device blocks now hold
// final loop data and must never be used as scratch again.
func (w *worker) retireAliasedStore(dst, length uint64) {
	var bufOff uint64
	for _, e := range w.p.StorePlan.Primary {
		lo, hi := e.Physical, e.PhysicalEnd()
		s, t := dst, dst+length
		if s < lo {
			s = lo
		}
		if t > hi {
			t = hi
		}
		if s < t {
			w.storeFree.Remove(bufOff+(s-lo), t-s)
		}
		bufOff += e.Length
	}
}

// flushStaged writes every staged chunk whose target range has become
// free.
func (w *worker) flushStaged(ctx context.Context) (bool, error) {
	progress := false
	for i := 0; i < len(w.staged); {
		c := w.staged[i]
		if !w.rangeFree(c.dst, c.length) {
			i++
			continue
		}
		mem := w.p.Store.Bytes()[c.storeOff : c.storeOff+c.length]
		if err := w.deviceWrite(ctx, mem, c.dst); err != nil {
			return false, err
		}
		w.unmarkStoreOccupied(c.storeOff, c.length)
		_ = w.storeFree.Insert(identity(c.storeOff, c.length))
		w.staged = append(w.staged[:i], w.staged[i+1:]...)
		w.moved += c.length
		slog.Debug("flushed storage chunk", "target", c.dst, "length", c.length)
		progress = true
	}
	return progress, nil
}

// moveDirect copies every pending sub-range whose target blocks are
// currently free straight to its final position.
func (w *worker) moveDirect(ctx context.Context) (bool, error) {
	progress := false
	snapshot := make([]extent.Extent[uint64], len(w.pending.Extents()))
	copy(snapshot, w.pending.Extents())

	for _, e := range snapshot {
		for _, gap := range w.freeSubranges(e.Logical, e.Length) {
			src := e.Physical + (gap.Logical - e.Logical)
			if err := w.copyOnDevice(ctx, src, gap.Logical, gap.Length); err != nil {
				return false, err
			}
			w.pending.Remove(gap.Logical, gap.Length)
			w.occupied.Remove(src, gap.Length)
			w.moved += gap.Length
			progress = true
		}
	}
	return progress, nil
}

// copyOnDevice moves length bytes from device offset src to device
// offset dst through the copy buffer.
func (w *worker) copyOnDevice(ctx context.Context, src, dst, length uint64) error {
	for length > 0 {
		chunk := uint64(len(w.buf))
		if length < chunk {
			chunk = length
		}
		if err := preadFull(w.p.Device, w.buf[:chunk], int64(src)); err != nil {
			return fmt.Errorf("device read at %d: %w", src, err)
		}
		if err := w.deviceWrite(ctx, w.buf[:chunk], dst); err != nil {
			return err
		}
		src += chunk
		dst += chunk
		length -= chunk
	}
	return nil
}

// evictOne breaks a dependency cycle by parking the head of the first
// pending extent in storage, freeing its source blocks.
func (w *worker) evictOne() error {
	if w.pending.Len() == 0 {
		return fmt.Errorf("staged chunks cannot flush but nothing is pending: %w", fserr.ErrInvalid)
	}
	e := w.pending.Extents()[0]

	free := w.storeFree.Extents()
	if len(free) == 0 {
		return fmt.Errorf("dependency cycle with no free storage left, re-run with a larger storage size: %w",
			fserr.ErrStorageTooSmall)
	}
	// Take the highest free slot: the secondary region sits at the
	// tail of the buffer and never aliases device blocks.
	slot := free[len(free)-1]
	chunk := e.Length
	if chunk > slot.Length {
		chunk = slot.Length
	}
	if chunk > copyChunk {
		chunk = copyChunk
	}
	slotOff := slot.LogicalEnd() - chunk

	mem := w.p.Store.Bytes()[slotOff : slotOff+chunk]
	if err := preadFull(w.p.Device, mem, int64(e.Physical)); err != nil {
		return fmt.Errorf("device read at %d: %w", e.Physical, err)
	}
	w.storeFree.Remove(slotOff, chunk)
	w.pending.Remove(e.Logical, chunk)
	w.occupied.Remove(e.Physical, chunk)
	w.markStoreOccupied(slotOff, chunk)
	w.staged = append(w.staged, stagedChunk{dst: e.Logical, storeOff: slotOff, length: chunk})
	slog.Debug("evicted chunk to storage", "source", e.Physical, "target", e.Logical, "length", chunk)
	return nil
}

// markStoreOccupied marks the device blocks backing a newly allocated
// primary-storage buffer range as occupied until the chunk flushes.
func (w *worker) markStoreOccupied(bufOff, length uint64) {
	var acc uint64
	for _, e := range w.p.StorePlan.Primary {
		lo, hi := acc, acc+e.Length
		s, t := bufOff, bufOff+length
		if s < lo {
			s = lo
		}
		if t > hi {
			t = hi
		}
		if s < t {
			_ = w.occupied.Insert(identity(e.Physical+(s-lo), t-s))
		}
		acc += e.Length
	}
}

// unmarkStoreOccupied releases the occupied marks placed by
// markStoreOccupied once a staged chunk has flushed.
func (w *worker) unmarkStoreOccupied(bufOff, length uint64) {
	var acc uint64
	for _, e := range w.p.StorePlan.Primary {
		lo, hi := acc, acc+e.Length
		s, t := bufOff, bufOff+length
		if s < lo {
			s = lo
		}
		if t > hi {
			t = hi
		}
		if s < t {
			w.occupied.Remove(e.Physical+(s-lo), t-s)
		}
		acc += e.Length
	}
}
