//go:build linux

package storage

import (
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/fserr"
	"github.com/sycomix/fstransform/internal/ui"
)

// MappedExtent is one storage extent together with its live view into
// the reservation. It owns the view; the Storage owns the reservation
// the view points into.
type MappedExtent struct {
	Extent extent.Extent[uint64]
	Mem    []byte
}

// Storage is the materialized scratch buffer: a single contiguous
// virtual memory region whose parts are file-backed views onto the
// device (primary) and onto the secondary-storage file.
type Storage struct {
	Primary   []MappedExtent
	Secondary *MappedExtent

	reservation   []byte
	secondaryFile *os.File
	secondaryPath string
}

// Size returns the reservation length in bytes.
func (s *Storage) Size() uint64 { return uint64(len(s.reservation)) }

// Bytes returns the whole scratch buffer. After a successful Create
// every byte of it is backed by the device or the secondary file.
func (s *Storage) Bytes() []byte { return s.reservation }

// Create materializes a Plan: it reserves plan.Total bytes of
// PROT_NONE anonymous memory, creates and fills the secondary file if
// needed, and replaces sub-ranges of the reservation with read-write
// shared views onto the device and the secondary file. Any failure
// unwinds completely (unmap + unlink).
func Create(plan *Plan, dev *os.File, secondaryPath string) (*Storage, error) {
	reservation, err := unix.Mmap(-1, 0, int(plan.Total),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("reserve %s bytes of %s: %w",
			ui.FormatBytes(plan.Total), roleStorage, err)
	}
	slog.Debug("reserved contiguous storage region", "size", ui.FormatBytes(plan.Total))

	s := &Storage{reservation: reservation, secondaryPath: secondaryPath}

	if plan.SecondaryLength > 0 {
		if err := s.createSecondary(plan.SecondaryLength); err != nil {
			s.unwind()
			return nil, err
		}
	} else {
		slog.Info("not creating secondary-storage, primary-storage is large enough")
	}

	var off uint64
	for i, e := range plan.Primary {
		mem, err := s.replace(dev, int64(e.Physical), off, e.Length)
		if err != nil {
			s.unwind()
			return nil, fmt.Errorf("map primary-storage extent #%d (physical=%d length=%d): %w",
				i, e.Physical, e.Length, err)
		}
		s.Primary = append(s.Primary, MappedExtent{Extent: e, Mem: mem})
		off += e.Length
	}

	if plan.SecondaryLength > 0 {
		mem, err := s.replace(s.secondaryFile, 0, off, plan.SecondaryLength)
		if err != nil {
			s.unwind()
			return nil, fmt.Errorf("map secondary-storage: %w", err)
		}
		s.Secondary = &MappedExtent{
			Extent: extent.Extent[uint64]{Physical: 0, Logical: 0, Length: plan.SecondaryLength},
			Mem:    mem,
		}
		off += plan.SecondaryLength
	}

	if off != s.Size() {
		s.unwind()
		return nil, fmt.Errorf("mapped %d bytes into a %d byte reservation: %w",
			off, s.Size(), fserr.ErrInvalid)
	}

	slog.Info("storage initialized",
		"primary", ui.FormatBytes(plan.PrimaryLength()),
		"secondary", ui.FormatBytes(plan.SecondaryLength),
		"total", ui.FormatBytes(s.Size()))
	return s, nil
}

const roleStorage = "storage"

// replace swaps [off, off+length) of the reservation for a read-write
// shared view of f at fileOffset. The public x/sys/unix mmap wrapper
// only supports kernel-chosen addresses, so the MAP_FIXED replacement
// goes through the raw syscall. It must land exactly on the
// reservation address; a moved mapping is fserr.ErrMapMoved.
func (s *Storage) replace(f *os.File, fileOffset int64, off, length uint64) ([]byte, error) {
	if off+length > s.Size() || off+length < off {
		return nil, fmt.Errorf("extent at reservation offset %d length %d overflows %d byte reservation: %w",
			off, length, s.Size(), fserr.ErrInvalid)
	}
	want := uintptr(unsafe.Pointer(&s.reservation[off]))
	got, _, errno := unix.Syscall6(unix.SYS_MMAP,
		want, uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		f.Fd(), uintptr(fileOffset))
	if errno != 0 {
		return nil, fmt.Errorf("mmap(MAP_FIXED) failed: %w", errno)
	}
	if got != want {
		// The replacement landed elsewhere; drop it before unwinding.
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, got, uintptr(length), 0); errno != 0 {
			slog.Warn("munmap of relocated mapping failed", "error", errno)
		}
		return nil, fserr.ErrMapMoved
	}
	return s.reservation[off : off+length], nil
}

// createSecondary creates the secondary-storage file and extends it
// to exactly length bytes, preferring fallocate and falling back to
// explicit zero writes.
func (s *Storage) createSecondary(length uint64) error {
	f, err := os.OpenFile(s.secondaryPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create secondary-storage %q: %w", s.secondaryPath, err)
	}
	s.secondaryFile = f

	slog.Info("writing secondary-storage", "path", s.secondaryPath, "size", ui.FormatBytes(length))

	if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(length)); err == nil {
		return nil
	}

	// fallocate is not supported on all filesystems; fill with
	// explicit zero writes instead.
	zero := make([]byte, 64*1024)
	var pos uint64
	for pos < length {
		chunk := uint64(len(zero))
		if left := length - pos; left < chunk {
			chunk = left
		}
		n, err := f.Write(zero[:chunk])
		if err != nil {
			return fmt.Errorf("fill secondary-storage %q: %w", s.secondaryPath, err)
		}
		pos += uint64(n)
	}
	return nil
}

// unwind releases everything Create had acquired so far.
func (s *Storage) unwind() {
	if s.reservation != nil {
		if err := unix.Munmap(s.reservation); err != nil {
			slog.Warn("munmap of storage reservation failed", "error", err)
		}
		s.reservation = nil
	}
	if s.secondaryFile != nil {
		s.secondaryFile.Close()
		s.secondaryFile = nil
		if err := os.Remove(s.secondaryPath); err != nil {
			slog.Warn("removing secondary-storage file failed", "path", s.secondaryPath, "error", err)
		}
	}
}

// Close releases the reservation and the secondary file. The
// secondary file is unlinked when the job completed successfully;
// after a mid-run failure it stays on disk with whatever chunks were
// staged in it. Create does not reuse such a file: it truncates it.
func (s *Storage) Close(success bool) {
	if s.reservation != nil {
		if err := unix.Munmap(s.reservation); err != nil {
			slog.Warn("munmap of storage failed", "error", err)
		}
		s.reservation = nil
	}
	if s.secondaryFile != nil {
		s.secondaryFile.Close()
		s.secondaryFile = nil
		if success {
			if err := os.Remove(s.secondaryPath); err != nil {
				slog.Warn("removing secondary-storage file failed", "path", s.secondaryPath, "error", err)
			}
		}
	}
	s.Primary = nil
	s.Secondary = nil
}
