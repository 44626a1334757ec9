package blobfs

import (
	"context"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/allocator"
	allocstatus "github.com/oneconcern/blobfs/pkg/allocator/status"
	"github.com/oneconcern/blobfs/pkg/blobfs/status"
	"github.com/oneconcern/blobfs/pkg/cache"
	"github.com/oneconcern/blobfs/pkg/errors"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/merkle"
	"github.com/oneconcern/blobfs/pkg/metadata"
)

// PutRes is the result of a Put
type PutRes struct {
	// Found is true when a blob with this content was already stored;
	// nothing was written.
	Found bool
	// Key is the Merkle root addressing the blob.
	Key merkle.Key
	// Size is the blob size in bytes.
	Size uint64
	// Blocks is the number of data blocks the blob occupies.
	Blocks uint32
	// NodeIndex is the node table slot of the blob head.
	NodeIndex uint32
}

// Put stores the blob read from src and returns its content address.
// Storing content that already exists is a no-op reported through Found.
// The blob becomes visible to Get only once its metadata transaction is
// durably committed; a crash before that point leaves no trace of it.
func (fs *Blobfs) Put(ctx context.Context, src io.Reader) (PutRes, error) {
	if err := fs.mutable(); err != nil {
		return PutRes{}, err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return PutRes{}, err
	}
	root, _, err := merkle.Tree(data)
	if err != nil {
		return PutRes{}, err
	}

	if existing, ok := fs.vnodes.Lookup(root); ok {
		defer fs.vnodes.Release(existing)
		if existing.State() != cache.StateReadable {
			return PutRes{}, status.ErrExists.WrapMessage("concurrent write of the same content")
		}
		return PutRes{
			Found:     true,
			Key:       root,
			Size:      existing.Size(),
			Blocks:    existing.Blocks(),
			NodeIndex: existing.NodeIndex(),
		}, nil
	}

	vn := cache.NewVnode(root)
	vn.SetWriting()
	if err := fs.vnodes.Add(vn); err != nil {
		// lost the race to another writer of the same content
		return PutRes{}, status.ErrExists.Wrap(err)
	}

	res, err := fs.writeBlob(ctx, vn, root, data)
	if err != nil {
		vn.SetPurged()
		fs.vnodes.Release(vn)
		return PutRes{}, err
	}
	fs.vnodes.Release(vn)
	fs.l.Debug("blob stored",
		zap.Stringer("hash", root),
		zap.Uint64("size", res.Size),
		zap.Uint32("node", res.NodeIndex))
	return res, nil
}

// writeBlob reserves space, builds the single transaction committing the
// blob and waits for its durability.
func (fs *Blobfs) writeBlob(ctx context.Context, vn *cache.Vnode, root merkle.Key, data []byte) (PutRes, error) {
	blockCount := layout.BlocksRequired(uint64(len(data)))
	if blockCount > math.MaxUint32 {
		return PutRes{}, status.ErrTooLarge
	}

	br, err := fs.reserveBlocks(ctx, blockCount)
	if err != nil {
		return PutRes{}, err
	}
	defer br.Release()

	extents := br.Extents()
	if len(extents) > math.MaxUint16 {
		return PutRes{}, status.ErrTooLarge
	}
	nodeCount := uint32(1)
	if len(extents) > layout.HeadMaxExtents {
		nodeCount += uint32((len(extents) - layout.HeadMaxExtents + layout.ContainerMaxExtents - 1) /
			layout.ContainerMaxExtents)
	}
	nr, err := fs.reserveNodes(ctx, nodeCount)
	if err != nil {
		return PutRes{}, err
	}
	defer nr.Release()

	// the allocator is rewound to this point if any staging step or the
	// commit itself fails, so no later transaction can persist state from
	// an aborted one. The lock spans the submit for the same reason.
	fs.mutate.Lock()
	snap := fs.alloc.Snapshot()
	dataOps := fs.blobDataOps(extents, data)
	var b metadata.Builder
	if err := fs.alloc.MarkBlocksAllocated(&b, br); err != nil {
		fs.alloc.Restore(snap)
		fs.mutate.Unlock()
		return PutRes{}, err
	}
	head, err := fs.writeNodeChain(&b, nr.Nodes(), root, uint64(len(data)), uint32(blockCount), extents)
	if err != nil {
		fs.alloc.Restore(snap)
		fs.mutate.Unlock()
		return PutRes{}, err
	}
	meta := b.Take()
	if err := fs.submit(ctx, dataOps, meta); err != nil {
		fs.alloc.Restore(snap)
		fs.mutate.Unlock()
		return PutRes{}, err
	}
	fs.mutate.Unlock()

	vn.SetReadable(head, uint64(len(data)), uint32(blockCount))
	return PutRes{
		Key:       root,
		Size:      uint64(len(data)),
		Blocks:    uint32(blockCount),
		NodeIndex: head,
	}, nil
}

// blobDataOps maps the blob payload onto its extents, zero-padding the
// final partial block.
func (fs *Blobfs) blobDataOps(extents []layout.Extent, data []byte) []metadata.Operation {
	dataStart := fs.sb.DataStartBlock()
	ops := make([]metadata.Operation, 0, len(extents))
	off := uint64(0)
	for _, ext := range extents {
		chunk := make([]byte, uint64(ext.Length)*layout.BlockSize)
		off += uint64(copy(chunk, data[off:]))
		ops = append(ops, metadata.Operation{
			Block: dataStart + ext.Start,
			Count: uint64(ext.Length),
			Data:  chunk,
		})
	}
	return ops
}

// writeNodeChain lays the extent list across the head and as many
// containers as needed, linking them in order, and commits every node to
// the builder. Returns the head slot.
func (fs *Blobfs) writeNodeChain(b *metadata.Builder, nodes []uint32, root merkle.Key,
	size uint64, blocks uint32, extents []layout.Extent) (uint32, error) {

	next := func(i int) uint32 {
		if i+1 < len(nodes) {
			return nodes[i+1]
		}
		return layout.InvalidNodeIndex
	}

	head := &layout.Inode{
		NodePrelude: layout.NodePrelude{Version: uint16(layout.Version), NextNode: next(0)},
		MerkleRoot:  [layout.HashSize]byte(root),
		BlobSize:    size,
		BlockCount:  blocks,
		ExtentTotal: uint16(len(extents)),
	}
	for head.ExtentCount < layout.HeadMaxExtents && int(head.ExtentCount) < len(extents) {
		head.Extents[head.ExtentCount] = extents[head.ExtentCount]
		head.ExtentCount++
	}
	rest := extents[head.ExtentCount:]

	for i := 1; i < len(nodes); i++ {
		c := &layout.ExtentContainer{
			NodePrelude: layout.NodePrelude{Version: uint16(layout.Version), NextNode: next(i)},
		}
		for c.ExtentCount < layout.ContainerMaxExtents && len(rest) > 0 {
			c.Extents[c.ExtentCount] = rest[0]
			c.ExtentCount++
			rest = rest[1:]
		}
		if err := fs.alloc.MarkContainerAllocated(b, nodes[i], c); err != nil {
			return 0, err
		}
	}
	if err := fs.alloc.MarkInodeAllocated(b, nodes[0], head); err != nil {
		return 0, err
	}
	return nodes[0], nil
}

// reserveBlocks claims data blocks, growing the data region one slice at
// a time on FVM-backed volumes when the free pool runs dry.
func (fs *Blobfs) reserveBlocks(ctx context.Context, count uint64) (*allocator.BlockReservation, error) {
	for {
		br, err := fs.alloc.ReserveBlocks(count)
		if err == nil {
			return br, nil
		}
		if !errors.Is(err, allocstatus.ErrNoSpace) {
			return nil, err
		}
		if gerr := fs.grow(ctx, fs.alloc.AddBlocks); gerr != nil {
			return nil, gerr
		}
	}
}

func (fs *Blobfs) reserveNodes(ctx context.Context, count uint32) (*allocator.NodeReservation, error) {
	for {
		nr, err := fs.alloc.ReserveNodes(count)
		if err == nil {
			return nr, nil
		}
		if !errors.Is(err, allocstatus.ErrNoSpace) {
			return nil, err
		}
		if gerr := fs.grow(ctx, fs.alloc.AddInodes); gerr != nil {
			return nil, gerr
		}
	}
}

// grow runs one region-growth step as its own journal transaction, so
// the enlarged superblock is durable before any blob depends on the new
// capacity.
func (fs *Blobfs) grow(ctx context.Context, step func(context.Context, *metadata.Builder) error) error {
	fs.mutate.Lock()
	defer fs.mutate.Unlock()
	snap := fs.alloc.Snapshot()
	var b metadata.Builder
	if err := step(ctx, &b); err != nil {
		fs.alloc.Restore(snap)
		if errors.Is(err, allocstatus.ErrNoGrowth) {
			return status.ErrNoSpace.Wrap(err)
		}
		return err
	}
	if err := fs.submit(ctx, nil, b.Take()); err != nil {
		fs.alloc.Restore(snap)
		return err
	}
	return nil
}
