package merkle

import (
	"fmt"

	blake2b "github.com/minio/blake2b-simd"

	"github.com/oneconcern/blobfs/pkg/errors"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// LeafSize is the amount of blob data hashed into one leaf key. It is one
// filesystem block, so a leaf key exists per data block of a blob.
const LeafSize uint32 = layout.BlockSize

// ErrIntegrity reports blob data that does not hash back to its stored root.
var ErrIntegrity = errors.New("blob data does not match its merkle root")

// LeafKey computes the n-th leaf key from a raw data buffer
func LeafKey(data []byte, n uint64, isLastNode bool) (Key, error) {
	hasher, err := blake2b.New(&blake2b.Config{
		Size: blake2b.Size,
		Tree: &blake2b.Tree{
			Fanout:        0,
			MaxDepth:      2,
			LeafSize:      LeafSize,
			NodeOffset:    n,
			NodeDepth:     0,
			InnerHashSize: blake2b.Size,
			IsLastNode:    isLastNode,
		},
	})
	if err != nil {
		// New only fails when configuration is wrong
		return Key{}, err
	}
	if _, err = hasher.Write(data); err != nil {
		return Key{}, fmt.Errorf("cannot compute data segment hash: %v", err)
	}
	return NewKey(hasher.Sum(nil))
}

// RootHash computes the level 1 root key from an ordered sequence of leaf keys
func RootHash(leaves []Key) (Key, error) {
	hasher, err := blake2b.New(&blake2b.Config{
		Size: blake2b.Size,
		Tree: &blake2b.Tree{
			Fanout:        0,
			MaxDepth:      2,
			LeafSize:      LeafSize,
			NodeOffset:    0,
			NodeDepth:     1,
			InnerHashSize: blake2b.Size,
			IsLastNode:    true,
		},
	})
	if err != nil {
		return Key{}, err
	}

	// Iterate over hashes of all underlying nodes
	for _, leaf := range leaves {
		if _, err = hasher.Write(leaf[:]); err != nil {
			return Key{}, err
		}
	}
	return NewKey(hasher.Sum(nil))
}

// Tree hashes a complete blob and returns its root key along with the
// ordered leaf keys. The empty blob yields the root over a single empty
// leaf, so every blob has a well-defined address.
func Tree(data []byte) (Key, []Key, error) {
	nleaves := (uint64(len(data)) + uint64(LeafSize) - 1) / uint64(LeafSize)
	if nleaves == 0 {
		nleaves = 1
	}

	leaves := make([]Key, 0, nleaves)
	for i := uint64(0); i < nleaves; i++ {
		lo := i * uint64(LeafSize)
		hi := lo + uint64(LeafSize)
		if hi > uint64(len(data)) {
			hi = uint64(len(data))
		}
		leaf, err := LeafKey(data[lo:hi], i, i == nleaves-1)
		if err != nil {
			return Key{}, nil, err
		}
		leaves = append(leaves, leaf)
	}

	root, err := RootHash(leaves)
	if err != nil {
		return Key{}, nil, err
	}
	return root, leaves, nil
}

// Verify re-derives the tree over data and compares the computed root
// against the expected one. A mismatch is a data-integrity error, distinct
// from metadata corruption.
func Verify(expected Key, data []byte) error {
	root, _, err := Tree(data)
	if err != nil {
		return err
	}
	if root != expected {
		return ErrIntegrity.WrapMessage(
			fmt.Sprintf("expected %s, computed %s", expected, root))
	}
	return nil
}
