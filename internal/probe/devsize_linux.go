//go:build linux

package probe

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DeviceSize returns the length in bytes of the block device behind
// f, falling back to the fstat size for regular files (useful for
// device images and tests).
func DeviceSize(f *os.File) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		f.Fd(),
		uintptr(unix.BLKGETSIZE64),
		uintptr(unsafe.Pointer(&size)),
	)
	if errno == 0 {
		return size, nil
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("size of %s: BLKGETSIZE64 failed (%v) and fstat failed: %w", f.Name(), errno, err)
	}
	return uint64(info.Size()), nil
}
