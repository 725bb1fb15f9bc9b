package remap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/ui"
)

// ZeroHoles writes zero bytes to every device block not covered by
// the loop-file extents: the complement of the loop-file's logical
// coverage, converted to blocks at the artifact's effective block
// size.
func ZeroHoles(ctx context.Context, dev *os.File, deviceLength uint64,
	loopExtents extent.Vector[uint64], bitmask uint64, limiter *rate.Limiter) error {

	log2 := extent.EffectiveBlockSizeLog2(bitmask)
	holes, err := extent.Complement0LogicalShift(loopExtents, log2, deviceLength)
	if err != nil {
		return fmt.Errorf("compute loop-file holes: %w", err)
	}

	totalBytes := holes.TotalCount() << log2
	slog.Info("zeroing loop-file holes",
		"holes", holes.Len(),
		"bytes", ui.FormatBytes(totalBytes),
		"block_size", uint64(1)<<log2)

	zero := make([]byte, copyChunk)
	for _, h := range holes.Extents() {
		offset := h.Physical << log2
		left := h.Length << log2
		for left > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk := uint64(len(zero))
			if left < chunk {
				chunk = left
			}
			if err := pwriteFull(ctx, dev, zero[:chunk], int64(offset), limiter); err != nil {
				return fmt.Errorf("zero device at %d: %w", offset, err)
			}
			offset += chunk
			left -= chunk
		}
	}
	return nil
}
