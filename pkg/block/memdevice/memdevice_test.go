package memdevice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/blobfs/internal/rand"
	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/block/status"
	"github.com/oneconcern/blobfs/pkg/layout"
)

func TestMemDeviceReadWrite(t *testing.T) {
	ctx := context.Background()
	d := New(BlockCount(16))

	payload := rand.Bytes(2 * layout.BlockSize)
	require.NoError(t, d.Transact(ctx, []block.Request{
		{Op: block.OpWrite, Block: 3, Count: 2, Data: payload},
		{Op: block.OpFlush},
	}))

	out := make([]byte, 2*layout.BlockSize)
	require.NoError(t, d.ReadBlock(ctx, 3, 2, out))
	require.Equal(t, payload, out)

	// unwritten blocks read as zeroes
	require.NoError(t, d.ReadBlock(ctx, 0, 1, out[:layout.BlockSize]))
	require.Equal(t, make([]byte, layout.BlockSize), out[:layout.BlockSize])
}

func TestMemDeviceBounds(t *testing.T) {
	ctx := context.Background()
	d := New(BlockCount(4))

	buf := make([]byte, layout.BlockSize)
	err := d.ReadBlock(ctx, 4, 1, buf)
	require.ErrorIs(t, err, status.ErrOutOfRange)

	err = d.Transact(ctx, []block.Request{{Op: block.OpWrite, Block: 3, Count: 2, Data: make([]byte, 2*layout.BlockSize)}})
	require.ErrorIs(t, err, status.ErrOutOfRange)
}

func TestMemDeviceReadOnly(t *testing.T) {
	ctx := context.Background()
	d := New(BlockCount(4), ReadOnly(true))

	err := d.Transact(ctx, []block.Request{{Op: block.OpWrite, Block: 0, Count: 1, Data: make([]byte, layout.BlockSize)}})
	require.ErrorIs(t, err, status.ErrReadOnly)
}

func TestMemDeviceFVM(t *testing.T) {
	ctx := context.Background()
	const sliceSize = 4 * layout.BlockSize
	d := New(FVM(sliceSize, 8))

	// unmapped slices are not addressable
	buf := make([]byte, layout.BlockSize)
	require.Error(t, d.ReadBlock(ctx, 0, 1, buf))

	require.NoError(t, d.Extend(ctx, 0, 1))
	require.NoError(t, d.Extend(ctx, 5, 1))

	payload := rand.Bytes(layout.BlockSize)
	require.NoError(t, d.Transact(ctx, []block.Request{
		{Op: block.OpWrite, Block: 5 * 4, Count: 1, Data: payload},
	}))
	require.NoError(t, d.ReadBlock(ctx, 5*4, 1, buf))
	require.Equal(t, payload, buf)

	// re-extending a mapped slice is idempotent
	require.NoError(t, d.Extend(ctx, 5, 1))

	info, err := d.Info(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, info.SliceCount)
	require.True(t, info.FVM)
}

func TestMemDeviceFVMExhaustion(t *testing.T) {
	ctx := context.Background()
	d := New(FVM(layout.BlockSize, 2))

	require.NoError(t, d.Extend(ctx, 0, 2))
	require.ErrorIs(t, d.Extend(ctx, 2, 1), status.ErrNoSpace)
}

func TestMemDeviceExtendRequiresFVM(t *testing.T) {
	d := New(BlockCount(4))
	require.ErrorIs(t, d.Extend(context.Background(), 0, 1), status.ErrNotFVM)
}

func TestMemDeviceWriteBudget(t *testing.T) {
	ctx := context.Background()
	d := New(BlockCount(16))

	one := func(blk uint64, b byte) error {
		data := make([]byte, layout.BlockSize)
		data[0] = b
		return d.Transact(ctx, []block.Request{{Op: block.OpWrite, Block: blk, Count: 1, Data: data}})
	}

	d.SetWriteBudget(2)
	require.NoError(t, one(0, 1))
	require.NoError(t, one(1, 2))
	require.ErrorIs(t, one(2, 3), status.ErrFault)

	// dropped writes leave the device untouched
	buf := make([]byte, layout.BlockSize)
	require.NoError(t, d.ReadBlock(ctx, 2, 1, buf))
	require.EqualValues(t, 0, buf[0])

	d.SetWriteBudget(-1)
	require.NoError(t, one(2, 3))
	require.Equal(t, 3, d.Writes())
}

func TestMemDeviceCorrupt(t *testing.T) {
	ctx := context.Background()
	d := New(BlockCount(4))

	payload := rand.Bytes(layout.BlockSize)
	require.NoError(t, d.Transact(ctx, []block.Request{{Op: block.OpWrite, Block: 1, Count: 1, Data: payload}}))
	require.NoError(t, d.Corrupt(1, 10))

	buf := make([]byte, layout.BlockSize)
	require.NoError(t, d.ReadBlock(ctx, 1, 1, buf))
	require.NotEqual(t, payload[10], buf[10])
	require.Equal(t, payload[:10], buf[:10])
}

func TestMemDeviceClosed(t *testing.T) {
	d := New(BlockCount(4))
	require.NoError(t, d.Close())

	_, err := d.Info(context.Background())
	require.ErrorIs(t, err, status.ErrClosed)
	require.ErrorIs(t, d.ReadBlock(context.Background(), 0, 1, make([]byte, layout.BlockSize)), status.ErrClosed)
}
