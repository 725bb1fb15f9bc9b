// Package device owns the file descriptors of a remap job: the block
// device, the loop-file holding the FS-B image, and the zero-file
// approximating FS-A's free space.
package device

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/fserr"
	"github.com/sycomix/fstransform/internal/probe"
)

// Role names the files a remap job touches.
type Role int

const (
	RoleDevice Role = iota
	RoleLoopFile
	RoleZeroFile
	RoleSecondaryStorage
	RolePrimaryStorage
	RoleStorage
)

// String returns the role's label.
func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleLoopFile:
		return "loop-file"
	case RoleZeroFile:
		return "zero-file"
	case RoleSecondaryStorage:
		return "secondary-storage"
	case RolePrimaryStorage:
		return "primary-storage"
	case RoleStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Set is the open descriptor set of one remap job. The zero value is
// ready for Open. The device stays open for the job's lifetime; loop
// and zero close after their extents are read.
type Set struct {
	dev    *os.File
	loop   *os.File
	zero   *os.File
	length uint64
}

// Open opens DEVICE read-write and LOOP-FILE/ZERO-FILE read-only,
// records the device length, and verifies both files actually reside
// on the filesystem inhabiting DEVICE (their containing dev_t must
// equal the block device's own dev_t). The containment check is
// skipped when DEVICE is a regular image file. Reopening an open set
// fails with fserr.ErrAlreadyOpen.
func (s *Set) Open(devPath, loopPath, zeroPath string) error {
	if s.isOpen() {
		return fmt.Errorf("%s %q: %w", RoleDevice, devPath, fserr.ErrAlreadyOpen)
	}

	var err error
	if s.dev, err = os.OpenFile(devPath, os.O_RDWR, 0); err != nil {
		return fmt.Errorf("open %s %q: %w", RoleDevice, devPath, err)
	}
	if s.length, err = probe.DeviceSize(s.dev); err != nil {
		s.Close()
		return fmt.Errorf("%s %q: %w", RoleDevice, devPath, err)
	}

	var devStat unix.Stat_t
	if err = unix.Fstat(int(s.dev.Fd()), &devStat); err != nil {
		s.Close()
		return fmt.Errorf("fstat %s %q: %w", RoleDevice, devPath, err)
	}
	isBlockDev := devStat.Mode&unix.S_IFMT == unix.S_IFBLK

	open := func(role Role, path string) (*os.File, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s %q: %w", role, path, err)
		}
		if isBlockDev {
			var st unix.Stat_t
			if err := unix.Fstat(int(f.Fd()), &st); err != nil {
				f.Close()
				return nil, fmt.Errorf("fstat %s %q: %w", role, path, err)
			}
			if st.Dev != devStat.Rdev {
				f.Close()
				return nil, fmt.Errorf("%s %q is on device 0x%04x, but %s %q is the filesystem on device 0x%04x: %w",
					role, path, st.Dev, RoleDevice, devPath, devStat.Rdev, fserr.ErrInvalid)
			}
		}
		return f, nil
	}

	if s.loop, err = open(RoleLoopFile, loopPath); err != nil {
		s.Close()
		return err
	}
	if s.zero, err = open(RoleZeroFile, zeroPath); err != nil {
		s.Close()
		return err
	}
	return nil
}

// isOpen reports whether the set holds an open device.
func (s *Set) isOpen() bool {
	return s.dev != nil && s.length != 0
}

// Device returns the open device file.
func (s *Set) Device() *os.File { return s.dev }

// Length returns the device length in bytes, fixed at open time.
func (s *Set) Length() uint64 { return s.length }

// extentsOpen reports whether the loop-file and zero-file descriptors
// are still available for extent reading.
func (s *Set) extentsOpen() bool {
	return s.length != 0 && s.loop != nil && s.zero != nil
}

// ReadExtents reads the loop-file and zero-file extent vectors
// through p and accumulates the block-size bitmask across both plus
// the device length. Every returned extent must land inside the
// device.
func (s *Set) ReadExtents(p probe.Probe) (loop, free extent.Vector[uint64], bitmask uint64, err error) {
	if !s.extentsOpen() {
		return nil, nil, 0, fmt.Errorf("extent descriptors: %w", fserr.ErrNotOpen)
	}

	read := func(role Role, f *os.File) (extent.Vector[uint64], uint64, error) {
		v, mask, err := p.Extents(f)
		if err != nil {
			return nil, 0, fmt.Errorf("read %s extents: %w", role, err)
		}
		for _, e := range v {
			if e.PhysicalEnd() > s.length || e.PhysicalEnd() < e.Physical {
				return nil, 0, fmt.Errorf("%s extent physical=%d length=%d exceeds device length %d: %w",
					role, e.Physical, e.Length, s.length, fserr.ErrInvalid)
			}
		}
		return v, mask, nil
	}

	var lm, fm uint64
	if loop, lm, err = read(RoleLoopFile, s.loop); err != nil {
		return nil, nil, 0, err
	}
	if free, fm, err = read(RoleZeroFile, s.zero); err != nil {
		return nil, nil, 0, err
	}
	return loop, free, lm | fm | s.length, nil
}

// CloseExtents closes the loop-file and zero-file descriptors; the
// extents are read once and not needed again.
func (s *Set) CloseExtents() {
	closeOne(RoleLoopFile, &s.loop)
	closeOne(RoleZeroFile, &s.zero)
}

// Close closes every descriptor the set still holds.
func (s *Set) Close() {
	s.CloseExtents()
	closeOne(RoleDevice, &s.dev)
}

func closeOne(role Role, f **os.File) {
	if *f == nil {
		return
	}
	if err := (*f).Close(); err != nil && err != syscall.EBADF {
		slog.Warn("closing descriptor failed", "role", role.String(), "error", err)
	}
	*f = nil
}
