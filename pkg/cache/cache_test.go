package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/blobfs/internal/rand"
	"github.com/oneconcern/blobfs/pkg/merkle"
)

func testKey(t *testing.T) merkle.Key {
	t.Helper()
	return merkle.MustNewKey(rand.Bytes(merkle.KeySize))
}

func readableVnode(t *testing.T, node uint32) *Vnode {
	t.Helper()
	vn := NewVnode(testKey(t))
	vn.SetReadable(node, 100, 1)
	return vn
}

func TestCacheAddLookupRelease(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	vn := readableVnode(t, 1)
	require.NoError(t, c.Add(vn))
	require.Equal(t, 1, c.Len())

	got, ok := c.Lookup(vn.Key())
	require.True(t, ok)
	require.Same(t, vn, got)

	// two references held: Add's and Lookup's
	c.Release(vn)
	c.Release(vn)

	// NeverEvict keeps the unreferenced vnode resident
	got, ok = c.Lookup(vn.Key())
	require.True(t, ok)
	require.Same(t, vn, got)
	c.Release(got)
}

func TestCacheRejectsDuplicateHash(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	vn := readableVnode(t, 1)
	require.NoError(t, c.Add(vn))

	dup := NewVnode(vn.Key())
	require.ErrorIs(t, c.Add(dup), ErrExists)
	require.ErrorIs(t, c.AddClosed(dup), ErrExists)
}

func TestCacheEvictImmediately(t *testing.T) {
	c, err := New(WithPolicy(EvictImmediately))
	require.NoError(t, err)

	vn := readableVnode(t, 1)
	require.NoError(t, c.Add(vn))
	c.Release(vn)

	_, ok := c.Lookup(vn.Key())
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestCacheDropsNonReadableOnRelease(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	vn := NewVnode(testKey(t))
	vn.SetWriting()
	require.NoError(t, c.Add(vn))

	vn.SetPurged()
	c.Release(vn)

	_, ok := c.Lookup(vn.Key())
	require.False(t, ok)
}

func TestCacheEvict(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	vn := readableVnode(t, 1)
	require.NoError(t, c.Add(vn))

	// pinned vnodes cannot be evicted
	require.ErrorIs(t, c.Evict(vn.Key()), ErrBusy)

	c.Release(vn)
	require.NoError(t, c.Evict(vn.Key()))
	_, ok := c.Lookup(vn.Key())
	require.False(t, ok)

	// evicting a missing key is a no-op
	require.NoError(t, c.Evict(testKey(t)))
}

func TestCacheAddClosed(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	vn := readableVnode(t, 7)
	require.NoError(t, c.AddClosed(vn))
	require.Equal(t, 1, c.Len())

	// a lookup promotes the vnode to the open set with one reference
	got, ok := c.Lookup(vn.Key())
	require.True(t, ok)
	require.EqualValues(t, 7, got.NodeIndex())
	require.ErrorIs(t, c.Evict(vn.Key()), ErrBusy)
	c.Release(got)
}

func TestCacheClosedSetBound(t *testing.T) {
	c, err := New(ClosedSize(2))
	require.NoError(t, err)

	first := readableVnode(t, 1)
	require.NoError(t, c.AddClosed(first))
	require.NoError(t, c.AddClosed(readableVnode(t, 2)))
	require.NoError(t, c.AddClosed(readableVnode(t, 3)))

	// the oldest closed vnode was pushed out
	require.Equal(t, 2, c.Len())
	_, ok := c.Lookup(first.Key())
	require.False(t, ok)
}

func TestCacheKeysSorted(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.AddClosed(readableVnode(t, uint32(i))))
	}
	keys := c.Keys()
	require.Len(t, keys, 10)
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1].String(), keys[i].String())
	}
}

func TestVnodeStates(t *testing.T) {
	vn := NewVnode(merkle.Key{})
	require.Equal(t, StateEmpty, vn.State())

	vn.SetWriting()
	require.Equal(t, StateWriting, vn.State())

	vn.SetReadable(3, 4096, 1)
	require.Equal(t, StateReadable, vn.State())
	require.EqualValues(t, 3, vn.NodeIndex())
	require.EqualValues(t, 4096, vn.Size())
	require.EqualValues(t, 1, vn.Blocks())

	vn.SetPurged()
	require.Equal(t, StatePurged, vn.State())
}
