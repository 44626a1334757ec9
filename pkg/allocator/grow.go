package allocator

import (
	"context"

	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/allocator/status"
	"github.com/oneconcern/blobfs/pkg/block"
	blockstatus "github.com/oneconcern/blobfs/pkg/block/status"
	"github.com/oneconcern/blobfs/pkg/errors"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/metadata"
)

// AddInodes grows the node table by one FVM slice: the volume is
// extended, the fresh region zero-filled, in-memory structures enlarged
// and the updated superblock appended to the builder. This is the only
// path that changes the size of the node table while mounted.
func (a *Allocator) AddInodes(ctx context.Context, b *metadata.Builder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sb.FVM() {
		return status.ErrNoGrowth
	}

	bps := a.sb.BlocksPerSlice()
	vslice := uint64(layout.VsliceNodeMap) + uint64(a.sb.InoSlices)
	if err := a.extendSlice(ctx, vslice); err != nil {
		return err
	}
	if err := a.zeroSlice(ctx, vslice*bps); err != nil {
		return err
	}

	a.nodeTable = append(a.nodeTable, make([]byte, a.sb.SliceSize)...)
	a.sb.InoSlices++
	a.sb.InodeCount += a.sb.InodesPerSlice()
	a.sb.VsliceCount++
	a.w.WriteInfo(b)

	a.l.Info("node table grown",
		zap.Uint32("ino_slices", a.sb.InoSlices),
		zap.Uint64("inode_count", a.sb.InodeCount))
	return nil
}

// AddBlocks grows the data region by one FVM slice, first growing the
// bitmap region when the new data blocks would overflow its capacity.
func (a *Allocator) AddBlocks(ctx context.Context, b *metadata.Builder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sb.FVM() {
		return status.ErrNoGrowth
	}

	bps := a.sb.BlocksPerSlice()
	newCount := a.sb.DataBlockCount + bps

	if layout.BitmapBlocksFor(newCount) > uint64(a.sb.AbmSlices)*bps {
		vslice := uint64(layout.VsliceBlockMap) + uint64(a.sb.AbmSlices)
		if err := a.extendSlice(ctx, vslice); err != nil {
			return err
		}
		if err := a.zeroSlice(ctx, vslice*bps); err != nil {
			return err
		}
		a.sb.AbmSlices++
		a.sb.VsliceCount++
	}

	vslice := uint64(layout.VsliceData) + uint64(a.sb.DatSlices)
	if err := a.extendSlice(ctx, vslice); err != nil {
		return err
	}

	a.sb.DatSlices++
	a.sb.DataBlockCount = newCount
	a.sb.VsliceCount++
	a.w.WriteInfo(b)

	a.l.Info("data region grown",
		zap.Uint32("dat_slices", a.sb.DatSlices),
		zap.Uint64("data_block_count", a.sb.DataBlockCount))
	return nil
}

func (a *Allocator) extendSlice(ctx context.Context, vslice uint64) error {
	if err := a.device.Extend(ctx, vslice, 1); err != nil {
		if errors.Is(err, blockstatus.ErrNoSpace) || errors.Is(err, blockstatus.ErrNotFVM) {
			return status.ErrNoGrowth.Wrap(err)
		}
		return err
	}
	return nil
}

// zeroSlice writes one slice worth of zero blocks starting at the given
// device block.
func (a *Allocator) zeroSlice(ctx context.Context, startBlock uint64) error {
	zero := make([]byte, a.sb.SliceSize)
	return a.device.Transact(ctx, []block.Request{{
		Op:    block.OpWrite,
		Block: startBlock,
		Count: a.sb.BlocksPerSlice(),
		Data:  zero,
	}})
}
