package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/blobfs/internal/rand"
)

func TestTreeDeterministic(t *testing.T) {
	data := rand.Bytes(3*int(LeafSize) + 17)

	root1, leaves1, err := Tree(data)
	require.NoError(t, err)
	root2, leaves2, err := Tree(data)
	require.NoError(t, err)

	require.Equal(t, root1, root2)
	require.Equal(t, leaves1, leaves2)
	require.Len(t, leaves1, 4)
	require.False(t, root1.IsZero())
}

func TestTreeDistinguishesContent(t *testing.T) {
	data := rand.Bytes(2 * int(LeafSize))
	root1, _, err := Tree(data)
	require.NoError(t, err)

	data[0] ^= 0xff
	root2, _, err := Tree(data)
	require.NoError(t, err)
	require.NotEqual(t, root1, root2)
}

func TestTreePositionMatters(t *testing.T) {
	// the same chunk must hash differently at different leaf offsets
	chunk := rand.Bytes(int(LeafSize))
	k0, err := LeafKey(chunk, 0, false)
	require.NoError(t, err)
	k1, err := LeafKey(chunk, 1, false)
	require.NoError(t, err)
	require.NotEqual(t, k0, k1)

	// and the last leaf is hashed differently again
	klast, err := LeafKey(chunk, 1, true)
	require.NoError(t, err)
	require.NotEqual(t, k1, klast)
}

func TestTreeEmptyBlob(t *testing.T) {
	root, leaves, err := Tree(nil)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.False(t, root.IsZero())
	require.NoError(t, Verify(root, nil))
}

func TestVerify(t *testing.T) {
	data := rand.Bytes(int(LeafSize) + 100)
	root, _, err := Tree(data)
	require.NoError(t, err)

	require.NoError(t, Verify(root, data))

	data[int(LeafSize)+5] ^= 0x01
	err = Verify(root, data)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestKeyFromString(t *testing.T) {
	data := rand.Bytes(1000)
	root, _, err := Tree(data)
	require.NoError(t, err)

	parsed, err := KeyFromString(root.String())
	require.NoError(t, err)
	require.Equal(t, root, parsed)

	_, err = KeyFromString("abcd")
	require.Error(t, err)

	_, err = NewKey(rand.Bytes(KeySize - 1))
	require.Error(t, err)
}
