package remap

import (
	"context"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// preadFull reads exactly len(buf) bytes from f at off, restarting on
// EINTR and short reads.
func preadFull(f *os.File, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(int(f.Fd()), buf, off)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return syscall.ENXIO
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// pwriteFull writes all of buf to f at off, restarting on EINTR and
// short writes, throttled by limiter when one is set.
func pwriteFull(ctx context.Context, f *os.File, buf []byte, off int64, limiter *rate.Limiter) error {
	if limiter != nil {
		if err := waitN(ctx, limiter, len(buf)); err != nil {
			return err
		}
	}
	for len(buf) > 0 {
		n, err := unix.Pwrite(int(f.Fd()), buf, off)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// waitN reserves n bytes from the limiter, splitting requests larger
// than the limiter's burst.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	for n > 0 {
		chunk := n
		if b := limiter.Burst(); chunk > b {
			chunk = b
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// NewBWLimiter creates a rate.Limiter capping aggregate device write
// throughput at bytesPerSec. The burst is 1 MiB so natural copy
// chunks pass without blocking.
func NewBWLimiter(bytesPerSec uint64) *rate.Limiter {
	burst := 1 << 20
	if bytesPerSec < uint64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
