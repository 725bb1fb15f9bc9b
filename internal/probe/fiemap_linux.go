//go:build linux

package probe

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/fserr"
)

const (
	fsIocFiemap = 0xC020660B

	fiemapFlagSync = 0x00000001

	fiemapExtentLast       = 0x00000001
	fiemapExtentUnknown    = 0x00000002
	fiemapExtentDelalloc   = 0x00000004
	fiemapExtentEncoded    = 0x00000008
	fiemapExtentUnwritten  = 0x00000800
	maxFiemapExtentsPerReq = 512
)

// Raw kernel structs for the FIEMAP ioctl. Field order and sizes must
// match linux/fiemap.h exactly.

type fiemapExtent struct {
	logical    uint64
	physical   uint64
	length     uint64
	reserved64 [2]uint64
	flags      uint32
	reserved32 [3]uint32
}

type fiemapReq struct {
	start         uint64
	length        uint64
	flags         uint32
	mappedExtents uint32
	extentCount   uint32
	reserved      uint32
	extents       [maxFiemapExtentsPerReq]fiemapExtent
}

// FiemapProbe reads extents with the FIEMAP ioctl. This is the
// primary probe: it reports where file data physically lives on the
// containing device.
type FiemapProbe struct{}

// Extents implements Probe.
func (FiemapProbe) Extents(f *os.File) (extent.Vector[uint64], uint64, error) {
	var (
		v     extent.Vector[uint64]
		mask  uint64
		start uint64
	)

	for {
		req := fiemapReq{
			start:       start,
			length:      ^uint64(0),
			flags:       fiemapFlagSync,
			extentCount: maxFiemapExtentsPerReq,
		}

		_, _, errno := unix.Syscall(
			unix.SYS_IOCTL,
			f.Fd(),
			uintptr(fsIocFiemap),
			uintptr(unsafe.Pointer(&req)),
		)
		switch errno {
		case 0:
		case syscall.ENOTTY, syscall.EOPNOTSUPP, syscall.EINVAL:
			return nil, 0, fmt.Errorf("FIEMAP on %s: %v: %w", f.Name(), errno, fserr.ErrUnsupported)
		default:
			return nil, 0, fmt.Errorf("FIEMAP on %s: %w", f.Name(), errno)
		}

		if req.mappedExtents == 0 {
			break
		}

		last := req.extents[req.mappedExtents-1]
		for i := uint32(0); i < req.mappedExtents; i++ {
			e := req.extents[i]
			if e.flags&(fiemapExtentUnknown|fiemapExtentDelalloc|fiemapExtentEncoded) != 0 {
				return nil, 0, fmt.Errorf("FIEMAP on %s: extent at logical=%d has no stable physical location (flags 0x%x): %w",
					f.Name(), e.logical, e.flags, fserr.ErrUnsupported)
			}
			appendChecked(&v, &mask, e.physical, e.logical, e.length)
		}

		if last.flags&fiemapExtentLast != 0 {
			break
		}
		start = last.logical + last.length
	}

	return v, mask, nil
}
