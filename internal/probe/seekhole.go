package probe

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sycomix/fstransform/internal/extent"
)

// SeekHoleProbe walks SEEK_DATA/SEEK_HOLE to map out the data layout
// of a file. It cannot learn physical residence, so each extent's
// physical offset equals its logical offset: this is the fallback
// role for files whose data coverage, not placement, matters (a
// zero-file approximating free space, or a secondary-storage file).
type SeekHoleProbe struct{}

// Extents implements Probe.
func (SeekHoleProbe) Extents(f *os.File) (extent.Vector[uint64], uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	fileSize := info.Size()
	if fileSize == 0 {
		return nil, 0, nil
	}

	var (
		v    extent.Vector[uint64]
		mask uint64
	)
	rawFd := int(f.Fd())
	offset := int64(0)

	for offset < fileSize {
		dataStart, err := unix.Seek(rawFd, offset, unix.SEEK_DATA)
		if err != nil {
			if err == syscall.ENXIO {
				// Rest of file is a hole.
				break
			}
			if err == syscall.EINVAL {
				// Filesystem doesn't support SEEK_DATA/SEEK_HOLE;
				// report the whole file as one extent.
				appendChecked(&v, &mask, 0, 0, uint64(fileSize))
				return v, mask, nil
			}
			return nil, 0, err
		}

		holeStart, err := unix.Seek(rawFd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			switch err {
			case syscall.ENXIO:
				holeStart = fileSize
			case syscall.EINVAL:
				appendChecked(&v, &mask, 0, 0, uint64(fileSize))
				return v, mask, nil
			default:
				return nil, 0, err
			}
		}
		if holeStart > fileSize {
			holeStart = fileSize
		}

		appendChecked(&v, &mask, uint64(dataStart), uint64(dataStart), uint64(holeStart-dataStart))
		offset = holeStart
	}

	return v, mask, nil
}
