package blobfs

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/blobfs/internal/rand"
	"github.com/oneconcern/blobfs/pkg/blobfs/status"
	"github.com/oneconcern/blobfs/pkg/block/memdevice"
	"github.com/oneconcern/blobfs/pkg/cache"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/merkle"
)

func testDevice(t *testing.T) *memdevice.Device {
	t.Helper()
	device := memdevice.New(memdevice.BlockCount(2048))
	require.NoError(t, Format(context.Background(), device,
		InodeCount(64),
		DataBlocks(1024),
	))
	return device
}

func mustMount(t *testing.T, device *memdevice.Device, opts ...Option) *Blobfs {
	t.Helper()
	fs, err := Mount(context.Background(), device, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Shutdown(context.Background()) })
	return fs
}

func mustPut(t *testing.T, fs *Blobfs, content []byte) PutRes {
	t.Helper()
	res, err := fs.Put(context.Background(), bytes.NewReader(content))
	require.NoError(t, err)
	return res
}

func readAll(t *testing.T, fs *Blobfs, key merkle.Key) []byte {
	t.Helper()
	rdr, err := fs.Get(context.Background(), key)
	require.NoError(t, err)
	defer func() { require.NoError(t, rdr.Close()) }()
	data, err := io.ReadAll(rdr)
	require.NoError(t, err)
	return data
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testDevice(t))

	stats := fs.Stats()
	require.Equal(t, 0, stats.Blobs)
	require.EqualValues(t, 64, stats.InodeCount)
	require.EqualValues(t, 1024, stats.DataBlockCount)
	require.EqualValues(t, 0, stats.AllocInodeCount)
	require.EqualValues(t, 0, stats.AllocBlockCount)

	content := rand.Bytes(5*layout.BlockSize - 100)
	res := mustPut(t, fs, content)
	require.False(t, res.Found)
	require.EqualValues(t, len(content), res.Size)
	require.EqualValues(t, 5, res.Blocks)

	stats = fs.Stats()
	require.Equal(t, 1, stats.Blobs)
	require.EqualValues(t, 1, stats.AllocInodeCount)
	require.EqualValues(t, 5, stats.AllocBlockCount)

	require.Equal(t, content, readAll(t, fs, res.Key))
	require.NoError(t, fs.VerifyBlob(ctx, res.Key))

	// same content again is a dedup hit, not a second copy
	dup := mustPut(t, fs, content)
	require.True(t, dup.Found)
	require.Equal(t, res.Key, dup.Key)
	require.Equal(t, res.NodeIndex, dup.NodeIndex)
	require.EqualValues(t, 1, fs.Stats().AllocInodeCount)

	require.NoError(t, fs.Delete(ctx, res.Key))
	stats = fs.Stats()
	require.Equal(t, 0, stats.Blobs)
	require.EqualValues(t, 0, stats.AllocInodeCount)
	require.EqualValues(t, 0, stats.AllocBlockCount)

	_, err := fs.Get(ctx, res.Key)
	require.ErrorIs(t, err, status.ErrNotFound)
	require.ErrorIs(t, fs.Delete(ctx, res.Key), status.ErrNotFound)

	require.NoError(t, fs.Sync(ctx))
	require.NoError(t, fs.Shutdown(ctx))
}

func TestSingleBlockBlobAccounting(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testDevice(t))

	res := mustPut(t, fs, rand.Bytes(layout.BlockSize))
	require.EqualValues(t, 1, res.Blocks)

	stats := fs.Stats()
	require.EqualValues(t, 1, stats.AllocBlockCount)
	require.EqualValues(t, 1, stats.AllocInodeCount)

	require.NoError(t, fs.Delete(ctx, res.Key))
	stats = fs.Stats()
	require.EqualValues(t, 0, stats.AllocBlockCount)
	require.EqualValues(t, 0, stats.AllocInodeCount)

	// the freed block and node slot are reusable right away
	again := mustPut(t, fs, rand.Bytes(layout.BlockSize))
	require.Equal(t, res.NodeIndex, again.NodeIndex)
}

func TestRemountPersistence(t *testing.T) {
	ctx := context.Background()
	device := testDevice(t)
	fs := mustMount(t, device)

	one := rand.Bytes(3 * layout.BlockSize)
	two := rand.Bytes(layout.BlockSize / 2)
	resOne := mustPut(t, fs, one)
	resTwo := mustPut(t, fs, two)
	first := fs.InstanceID()
	require.NoError(t, fs.Shutdown(ctx))

	device.Reopen()
	fs = mustMount(t, device)
	require.NotEqual(t, first, fs.InstanceID())

	stats := fs.Stats()
	require.Equal(t, 2, stats.Blobs)
	require.EqualValues(t, 2, stats.AllocInodeCount)
	require.EqualValues(t, 4, stats.AllocBlockCount)
	require.Equal(t, one, readAll(t, fs, resOne.Key))
	require.Equal(t, two, readAll(t, fs, resTwo.Key))
	require.NoError(t, fs.Check(ctx))
}

func TestEmptyBlob(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testDevice(t))

	res := mustPut(t, fs, nil)
	require.EqualValues(t, 0, res.Size)
	require.EqualValues(t, 0, res.Blocks)

	stats := fs.Stats()
	require.EqualValues(t, 1, stats.AllocInodeCount)
	require.EqualValues(t, 0, stats.AllocBlockCount)

	require.Empty(t, readAll(t, fs, res.Key))
	require.NoError(t, fs.VerifyBlob(ctx, res.Key))

	require.NoError(t, fs.Delete(ctx, res.Key))
	require.EqualValues(t, 0, fs.Stats().AllocInodeCount)
}

func TestOpenReaderPinsBlob(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testDevice(t))

	content := rand.Bytes(2 * layout.BlockSize)
	res := mustPut(t, fs, content)

	rdr, err := fs.Get(ctx, res.Key)
	require.NoError(t, err)
	require.ErrorIs(t, fs.Delete(ctx, res.Key), cache.ErrBusy)

	data, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.Equal(t, content, data)
	require.NoError(t, rdr.Close())

	require.NoError(t, fs.Delete(ctx, res.Key))
}

func TestReaddirPaging(t *testing.T) {
	fs := mustMount(t, testDevice(t))

	want := make(map[merkle.Key]struct{})
	for i := 0; i < 5; i++ {
		res := mustPut(t, fs, rand.Bytes(layout.BlockSize+i))
		want[res.Key] = struct{}{}
	}

	got := make(map[merkle.Key]struct{})
	cookie := uint64(0)
	pages := 0
	for {
		keys, next, err := fs.Readdir(cookie, 2)
		require.NoError(t, err)
		require.LessOrEqual(t, len(keys), 2)
		for _, k := range keys {
			_, seen := got[k]
			require.False(t, seen, "key listed twice")
			got[k] = struct{}{}
		}
		pages++
		if next == 0 {
			break
		}
		cookie = next
	}
	require.Equal(t, want, got)
	require.Equal(t, 3, pages)
}

func TestReadOnlyMount(t *testing.T) {
	ctx := context.Background()
	device := testDevice(t)
	fs := mustMount(t, device)
	content := rand.Bytes(layout.BlockSize)
	res := mustPut(t, fs, content)
	require.NoError(t, fs.Shutdown(ctx))

	device.Reopen()
	fs = mustMount(t, device, ReadOnly())

	require.Equal(t, content, readAll(t, fs, res.Key))
	_, err := fs.Put(ctx, bytes.NewReader(rand.Bytes(16)))
	require.ErrorIs(t, err, status.ErrReadOnly)
	require.ErrorIs(t, fs.Delete(ctx, res.Key), status.ErrReadOnly)
	require.NoError(t, fs.Shutdown(ctx))
}

func TestNoJournalMount(t *testing.T) {
	ctx := context.Background()
	device := testDevice(t)
	fs := mustMount(t, device, NoJournal())

	content := rand.Bytes(3 * layout.BlockSize)
	res := mustPut(t, fs, content)
	require.Equal(t, content, readAll(t, fs, res.Key))
	require.NoError(t, fs.Shutdown(ctx))

	// a journaled mount sees everything a writeback mount stored
	device.Reopen()
	fs = mustMount(t, device)
	require.Equal(t, content, readAll(t, fs, res.Key))
	require.NoError(t, fs.Check(ctx))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	device := testDevice(t)
	fs := mustMount(t, device, VerifyOnRead(true))

	res := mustPut(t, fs, rand.Bytes(layout.BlockSize))

	// first put on a fresh volume lands on the first data block
	sb := fs.Superblock()
	require.NoError(t, device.Corrupt(sb.DataStartBlock(), 11))

	_, err := fs.Get(ctx, res.Key)
	require.ErrorIs(t, err, status.ErrIntegrity)
	require.ErrorIs(t, fs.VerifyBlob(ctx, res.Key), status.ErrIntegrity)
	require.Error(t, fs.Check(ctx))
}

func TestCrashDuringPutLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	device := testDevice(t)
	fs := mustMount(t, device)

	kept := rand.Bytes(2 * layout.BlockSize)
	resKept := mustPut(t, fs, kept)

	// cut the write stream before the journal commit marker lands: the
	// blob payload reaches the device but the transaction never commits
	lost := rand.Bytes(layout.BlockSize)
	device.SetWriteBudget(2)
	_, err := fs.Put(ctx, bytes.NewReader(lost))
	require.Error(t, err)
	device.SetWriteBudget(-1)

	// power loss: abandon the instance and mount the device again
	fs = mustMount(t, device)

	stats := fs.Stats()
	require.Equal(t, 1, stats.Blobs)
	require.EqualValues(t, 1, stats.AllocInodeCount)
	require.EqualValues(t, 2, stats.AllocBlockCount)
	require.Equal(t, kept, readAll(t, fs, resKept.Key))

	lostRoot, _, err := merkle.Tree(lost)
	require.NoError(t, err)
	_, err = fs.Get(ctx, lostRoot)
	require.ErrorIs(t, err, status.ErrNotFound)
	require.NoError(t, fs.Check(ctx))
}

func TestFailedPutRollsBackAllocator(t *testing.T) {
	ctx := context.Background()
	device := testDevice(t)
	fs := mustMount(t, device)

	kept := rand.Bytes(2 * layout.BlockSize)
	resKept := mustPut(t, fs, kept)

	// fail the transaction at the device: the blocks and node claimed for
	// the lost blob must return to the free pool in memory too
	lost := rand.Bytes(3 * layout.BlockSize)
	device.SetWriteBudget(0)
	_, err := fs.Put(ctx, bytes.NewReader(lost))
	require.Error(t, err)
	device.SetWriteBudget(-1)

	stats := fs.Stats()
	require.Equal(t, 1, stats.Blobs)
	require.EqualValues(t, 1, stats.AllocInodeCount)
	require.EqualValues(t, 2, stats.AllocBlockCount)

	// a later transaction renders the live bitmap and counters; it must
	// not smuggle the aborted allocation onto disk
	after := rand.Bytes(layout.BlockSize)
	resAfter := mustPut(t, fs, after)
	require.NoError(t, fs.Shutdown(ctx))

	device.Reopen()
	fs = mustMount(t, device)
	stats = fs.Stats()
	require.Equal(t, 2, stats.Blobs)
	require.EqualValues(t, 2, stats.AllocInodeCount)
	require.EqualValues(t, 3, stats.AllocBlockCount)
	require.Equal(t, kept, readAll(t, fs, resKept.Key))
	require.Equal(t, after, readAll(t, fs, resAfter.Key))

	lostRoot, _, err := merkle.Tree(lost)
	require.NoError(t, err)
	_, err = fs.Get(ctx, lostRoot)
	require.ErrorIs(t, err, status.ErrNotFound)
	require.NoError(t, fs.Check(ctx))
}

func TestFailedDeleteKeepsBlob(t *testing.T) {
	ctx := context.Background()
	device := testDevice(t)
	fs := mustMount(t, device)

	content := rand.Bytes(2 * layout.BlockSize)
	res := mustPut(t, fs, content)

	device.SetWriteBudget(0)
	require.Error(t, fs.Delete(ctx, res.Key))
	device.SetWriteBudget(-1)

	// the blob is still there, fully accounted for
	stats := fs.Stats()
	require.Equal(t, 1, stats.Blobs)
	require.EqualValues(t, 1, stats.AllocInodeCount)
	require.EqualValues(t, 2, stats.AllocBlockCount)
	require.Equal(t, content, readAll(t, fs, res.Key))

	// and deletable once the device recovers
	require.NoError(t, fs.Delete(ctx, res.Key))
	stats = fs.Stats()
	require.Equal(t, 0, stats.Blobs)
	require.EqualValues(t, 0, stats.AllocInodeCount)
	require.EqualValues(t, 0, stats.AllocBlockCount)
	require.NoError(t, fs.Check(ctx))
}

func TestShutdownRejectsFurtherOperations(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testDevice(t))
	res := mustPut(t, fs, rand.Bytes(16))
	require.NoError(t, fs.Shutdown(ctx))

	_, err := fs.Put(ctx, bytes.NewReader(rand.Bytes(16)))
	require.ErrorIs(t, err, status.ErrShuttingDown)
	_, err = fs.Get(ctx, res.Key)
	require.ErrorIs(t, err, status.ErrShuttingDown)
	_, _, err = fs.Readdir(0, 0)
	require.ErrorIs(t, err, status.ErrShuttingDown)
}

func TestMountRejectsUnformattedDevice(t *testing.T) {
	device := memdevice.New(memdevice.BlockCount(64))
	_, err := Mount(context.Background(), device)
	require.ErrorIs(t, err, status.ErrCorrupt)
}

func TestFVMGrowth(t *testing.T) {
	ctx := context.Background()
	sliceSize := uint64(8 * layout.BlockSize)
	device := memdevice.New(memdevice.FVM(sliceSize, 16))
	require.NoError(t, Format(ctx, device, FVMBacked(sliceSize)))
	fs := mustMount(t, device)

	sb := fs.Superblock()
	require.True(t, sb.FVM())
	require.EqualValues(t, 256, sb.InodeCount)
	require.EqualValues(t, 8, sb.DataBlockCount)

	// the second blob does not fit in the initial data slice and forces
	// a one slice extension
	one := rand.Bytes(6 * layout.BlockSize)
	two := rand.Bytes(6 * layout.BlockSize)
	resOne := mustPut(t, fs, one)
	resTwo := mustPut(t, fs, two)

	sb = fs.Superblock()
	require.EqualValues(t, 16, sb.DataBlockCount)
	require.EqualValues(t, 2, sb.DatSlices)
	require.EqualValues(t, 6, sb.VsliceCount)
	require.EqualValues(t, 12, fs.Stats().AllocBlockCount)

	require.Equal(t, one, readAll(t, fs, resOne.Key))
	require.Equal(t, two, readAll(t, fs, resTwo.Key))
	require.NoError(t, fs.Shutdown(ctx))

	// the grown geometry is durable
	device.Reopen()
	fs = mustMount(t, device)
	require.EqualValues(t, 16, fs.Superblock().DataBlockCount)
	require.Equal(t, one, readAll(t, fs, resOne.Key))
	require.Equal(t, two, readAll(t, fs, resTwo.Key))
	require.NoError(t, fs.Check(ctx))
}
