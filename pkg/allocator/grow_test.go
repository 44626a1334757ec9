package allocator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/blobfs/pkg/allocator/status"
	"github.com/oneconcern/blobfs/pkg/block/memdevice"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/metadata"
)

// 8 blocks per slice, so one node table slice holds 256 entries
const testSliceSize = 8 * layout.BlockSize

func testFVMVolume(t *testing.T, maxSlices uint64) (*memdevice.Device, *layout.Superblock) {
	t.Helper()
	ctx := context.Background()

	sb := &layout.Superblock{
		Magic0:      layout.Magic0,
		Magic1:      layout.Magic1,
		Version:     layout.Version,
		Flags:       layout.FlagFVM,
		BlockSize:   layout.BlockSize,
		SliceSize:   testSliceSize,
		VsliceCount: 5,
		AbmSlices:   1,
		InoSlices:   1,
		JnlSlices:   1,
		DatSlices:   1,
	}
	sb.JournalBlockCount = sb.JournalBlocks()
	sb.DataBlockCount = uint64(sb.DatSlices) * sb.BlocksPerSlice()
	sb.InodeCount = uint64(sb.InoSlices) * sb.InodesPerSlice()

	device := memdevice.New(memdevice.FVM(testSliceSize, maxSlices))
	for _, vslice := range []uint64{
		layout.VsliceSuperblock, layout.VsliceBlockMap, layout.VsliceNodeMap,
		layout.VsliceJournal, layout.VsliceData,
	} {
		require.NoError(t, device.Extend(ctx, vslice, 1))
	}
	return device, sb
}

func TestAddInodes(t *testing.T) {
	ctx := context.Background()
	device, sb := testFVMVolume(t, 16)
	a := New(device, sb)
	require.NoError(t, a.ResetFromStorage(ctx))
	require.EqualValues(t, 256, sb.InodeCount)

	var b metadata.Builder
	require.NoError(t, a.AddInodes(ctx, &b))

	require.EqualValues(t, 2, sb.InoSlices)
	require.EqualValues(t, 512, sb.InodeCount)
	require.EqualValues(t, 6, sb.VsliceCount)
	// the grown superblock is part of the pending transaction
	require.NotZero(t, b.Len())

	// slots in the new slice are free and usable
	nr, err := a.ReserveNodes(uint32(sb.InodeCount))
	require.NoError(t, err)
	require.Len(t, nr.Nodes(), 512)
	nr.Release()

	// reloading from disk sees the zero-filled extension
	applyOps(t, device, b.Take())
	fresh := New(device, sb)
	require.NoError(t, fresh.ResetFromStorage(ctx))
}

func TestAddBlocks(t *testing.T) {
	ctx := context.Background()
	device, sb := testFVMVolume(t, 16)
	a := New(device, sb)
	require.NoError(t, a.ResetFromStorage(ctx))

	before := sb.DataBlockCount
	var b metadata.Builder
	require.NoError(t, a.AddBlocks(ctx, &b))

	require.EqualValues(t, 2, sb.DatSlices)
	require.Equal(t, before+sb.BlocksPerSlice(), sb.DataBlockCount)

	// the new blocks are reservable
	r, err := a.ReserveBlocks(sb.DataBlockCount)
	require.NoError(t, err)
	r.Release()
}

func TestGrowthStopsAtDeviceCap(t *testing.T) {
	ctx := context.Background()
	device, sb := testFVMVolume(t, 5) // initial layout uses all five slices
	a := New(device, sb)
	require.NoError(t, a.ResetFromStorage(ctx))

	var b metadata.Builder
	require.ErrorIs(t, a.AddInodes(ctx, &b), status.ErrNoGrowth)
	require.ErrorIs(t, a.AddBlocks(ctx, &b), status.ErrNoGrowth)
}

func TestGrowthRequiresFVM(t *testing.T) {
	ctx := context.Background()
	device, sb := testVolume(t)
	a := New(device, sb)
	require.NoError(t, a.ResetFromStorage(ctx))

	var b metadata.Builder
	require.ErrorIs(t, a.AddInodes(ctx, &b), status.ErrNoGrowth)
	require.ErrorIs(t, a.AddBlocks(ctx, &b), status.ErrNoGrowth)
}
