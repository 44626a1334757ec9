package badgerdevice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/blobfs/internal/rand"
	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/block/status"
	"github.com/oneconcern/blobfs/pkg/layout"
)

func TestBadgerDeviceReadWrite(t *testing.T) {
	ctx := context.Background()
	d, err := New(t.TempDir(), BlockCount(32))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	payload := rand.Bytes(3 * layout.BlockSize)
	require.NoError(t, d.Transact(ctx, []block.Request{
		{Op: block.OpWrite, Block: 10, Count: 3, Data: payload},
		{Op: block.OpFlush},
	}))

	buf := make([]byte, 3*layout.BlockSize)
	require.NoError(t, d.ReadBlock(ctx, 10, 3, buf))
	require.Equal(t, payload, buf)

	// unwritten blocks read as zeroes
	require.NoError(t, d.ReadBlock(ctx, 0, 1, buf[:layout.BlockSize]))
	require.Equal(t, make([]byte, layout.BlockSize), buf[:layout.BlockSize])
}

func TestBadgerDeviceSizePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := New(dir, BlockCount(48))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// the recorded size wins over the option on reopen
	d, err = New(dir, BlockCount(16))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	info, err := d.Info(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 48, info.BlockCount)
}

func TestBadgerDeviceBounds(t *testing.T) {
	ctx := context.Background()
	d, err := New(t.TempDir(), BlockCount(4))
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	require.ErrorIs(t, d.ReadBlock(ctx, 4, 1, make([]byte, layout.BlockSize)), status.ErrOutOfRange)
	require.ErrorIs(t, d.Extend(ctx, 0, 1), status.ErrNotFVM)
}
