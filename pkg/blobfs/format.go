package blobfs

import (
	"context"

	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/blobfs/status"
	"github.com/oneconcern/blobfs/pkg/journal"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// Format initializes an empty filesystem on the device: superblock,
// zeroed bitmap and node table, and a valid empty journal. Existing
// content is destroyed.
func Format(ctx context.Context, device block.Device, opts ...FormatOption) error {
	o := defaultsForFormat()
	for _, apply := range opts {
		apply(o)
	}

	info, err := device.Info(ctx)
	if err != nil {
		return err
	}
	if info.ReadOnly {
		return status.ErrReadOnly
	}
	if info.BlockSize != layout.BlockSize {
		return status.ErrCorrupt.WrapMessage("device block size mismatch")
	}

	var sb *layout.Superblock
	if o.fvm {
		sb, err = formatFVM(ctx, device, info, o)
	} else {
		sb, err = formatFixed(info, o)
	}
	if err != nil {
		return err
	}

	if err := zeroRegion(ctx, device, sb.BlockBitmapStartBlock(), sb.BlockBitmapBlocks()); err != nil {
		return err
	}
	if err := zeroRegion(ctx, device, sb.NodeTableStartBlock(), sb.NodeTableBlocks()); err != nil {
		return err
	}
	if err := journal.FormatRegion(ctx, device, sb); err != nil {
		return err
	}
	// superblock last: a crash mid-format leaves no valid magic behind
	if err := device.Transact(ctx, []block.Request{
		{Op: block.OpWrite, Block: layout.SuperblockOffset, Count: 1, Data: sb.Encode()},
		{Op: block.OpFlush},
	}); err != nil {
		return err
	}

	o.l.Info("volume formatted",
		zap.Bool("fvm", sb.FVM()),
		zap.Uint64("inode_count", sb.InodeCount),
		zap.Uint64("data_blocks", sb.DataBlockCount),
		zap.Uint64("journal_blocks", sb.JournalBlocks()))
	return nil
}

// formatFixed lays regions out back to back on a fixed-size device,
// shrinking the data region when the requested geometry does not fit.
func formatFixed(info block.Info, o *formatOpts) (*layout.Superblock, error) {
	inodes := layout.RoundUp(o.inodeCount, layout.NodesPerBlock)
	fixed := uint64(1) + layout.NodeBlocksFor(inodes) + o.journalBlocks

	data := o.dataBlocks
	for data > 0 && fixed+layout.BitmapBlocksFor(data)+data > info.BlockCount {
		over := fixed + layout.BitmapBlocksFor(data) + data - info.BlockCount
		if over >= data {
			data = 0
			break
		}
		data -= over
	}
	if data == 0 {
		return nil, status.ErrNoSpace.WrapMessage("device too small for requested geometry")
	}

	sb := &layout.Superblock{
		Magic0:            layout.Magic0,
		Magic1:            layout.Magic1,
		Version:           layout.Version,
		BlockSize:         layout.BlockSize,
		JournalBlockCount: o.journalBlocks,
		DataBlockCount:    data,
		InodeCount:        inodes,
	}
	if err := sb.Validate(info.BlockCount); err != nil {
		return nil, err
	}
	return sb, nil
}

// formatFVM maps one slice per region at its virtual offset and sizes
// every count from the slice geometry. Regions grow independently later.
func formatFVM(ctx context.Context, device block.Device, info block.Info, o *formatOpts) (*layout.Superblock, error) {
	sliceSize := o.sliceSize
	if sliceSize == 0 {
		sliceSize = info.SliceSize
	}
	if sliceSize == 0 || sliceSize%layout.BlockSize != 0 {
		return nil, status.ErrCorrupt.WrapMessage("slice size not a multiple of the block size")
	}

	sb := &layout.Superblock{
		Magic0:      layout.Magic0,
		Magic1:      layout.Magic1,
		Version:     layout.Version,
		Flags:       layout.FlagFVM,
		BlockSize:   layout.BlockSize,
		SliceSize:   sliceSize,
		VsliceCount: 5,
		AbmSlices:   1,
		InoSlices:   1,
		JnlSlices:   1,
		DatSlices:   1,
	}
	sb.JournalBlockCount = sb.JournalBlocks()
	sb.DataBlockCount = uint64(sb.DatSlices) * sb.BlocksPerSlice()
	sb.InodeCount = uint64(sb.InoSlices) * sb.InodesPerSlice()

	for _, vslice := range []uint64{layout.VsliceSuperblock, layout.VsliceBlockMap, layout.VsliceNodeMap, layout.VsliceJournal, layout.VsliceData} {
		if err := device.Extend(ctx, vslice, 1); err != nil {
			return nil, err
		}
	}
	if err := sb.Validate(info.BlockCount); err != nil {
		return nil, err
	}
	return sb, nil
}

func zeroRegion(ctx context.Context, device block.Device, start, count uint64) error {
	const batch = 64
	zero := make([]byte, batch*layout.BlockSize)
	for count > 0 {
		run := count
		if run > batch {
			run = batch
		}
		err := device.Transact(ctx, []block.Request{
			{Op: block.OpWrite, Block: start, Count: run, Data: zero[:run*layout.BlockSize]},
		})
		if err != nil {
			return err
		}
		start += run
		count -= run
	}
	return nil
}
