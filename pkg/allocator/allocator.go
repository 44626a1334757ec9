// Package allocator is the exclusive authority over which data blocks
// and node table slots are free, reserved or allocated. All bitmap and
// node table mutation passes through it; no other component touches
// those bytes. Durable state changes are emitted as block writes into a
// caller-supplied metadata.Builder so the journal commits them atomically
// with the rest of the mutation.
package allocator

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/allocator/status"
	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/metadata"
)

// Option configures the allocator
type Option func(*Allocator)

// Logger sets a logger for this allocator
func Logger(l *zap.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.l = l
		}
	}
}

// Allocator tracks block and node allocation state in memory, mirrored
// against the on-disk bitmap and node table.
type Allocator struct {
	mu sync.Mutex

	device block.Device
	sb     *layout.Superblock
	w      *metadata.Writer

	// allocated state, mirrored on disk
	blocks    *bitset.BitSet
	nodeTable []byte

	// in-memory only: claims held by uncommitted reservations
	reservedBlocks *bitset.BitSet
	reservedNodes  map[uint32]struct{}

	l *zap.Logger
}

// New builds an allocator over the given device and superblock. Call
// ResetFromStorage before first use on a mounted volume.
func New(device block.Device, sb *layout.Superblock, opts ...Option) *Allocator {
	a := &Allocator{
		device:         device,
		sb:             sb,
		w:              metadata.NewWriter(sb),
		blocks:         bitset.New(uint(sb.DataBlockCount)),
		nodeTable:      make([]byte, sb.NodeTableBlocks()*layout.BlockSize),
		reservedBlocks: bitset.New(uint(sb.DataBlockCount)),
		reservedNodes:  make(map[uint32]struct{}),
		l:              zap.NewNop(),
	}
	for _, apply := range opts {
		apply(a)
	}
	return a
}

// Writer exposes the metadata writer bound to this allocator's
// superblock, for callers composing their own transactions.
func (a *Allocator) Writer() *metadata.Writer { return a.w }

// ResetFromStorage loads the bitmap and node table from the device and
// verifies them against the superblock's accounting. A mismatch is fatal
// corruption: mount must abort.
func (a *Allocator) ResetFromStorage(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bitmapBlocks := layout.BitmapBlocksFor(a.sb.DataBlockCount)
	raw := make([]byte, bitmapBlocks*layout.BlockSize)
	if err := a.device.ReadBlock(ctx, a.sb.BlockBitmapStartBlock(), bitmapBlocks, raw); err != nil {
		return status.ErrCorrupt.WrapWithLog(a.l, err, zap.String("region", "block bitmap"))
	}
	a.blocks = metadata.BitmapFromBytes(raw, a.sb.DataBlockCount)
	a.reservedBlocks = bitset.New(uint(a.sb.DataBlockCount))

	tableBlocks := layout.NodeBlocksFor(a.sb.InodeCount)
	table := make([]byte, a.sb.NodeTableBlocks()*layout.BlockSize)
	if err := a.device.ReadBlock(ctx, a.sb.NodeTableStartBlock(), tableBlocks, table[:tableBlocks*layout.BlockSize]); err != nil {
		return status.ErrCorrupt.WrapWithLog(a.l, err, zap.String("region", "node table"))
	}
	a.nodeTable = table

	// external consistency: counters must agree with the structures
	if got := uint64(a.blocks.Count()); got != a.sb.AllocBlockCount {
		return status.ErrCorrupt.WrapWithLog(a.l, nil,
			zap.Uint64("bitmap_bits", got),
			zap.Uint64("alloc_block_count", a.sb.AllocBlockCount))
	}
	var nodes uint64
	for i := uint32(0); uint64(i) < a.sb.InodeCount; i++ {
		if a.preludeAt(i).Allocated() {
			nodes++
		}
	}
	if nodes != a.sb.AllocInodeCount {
		return status.ErrCorrupt.WrapWithLog(a.l, nil,
			zap.Uint64("allocated_nodes", nodes),
			zap.Uint64("alloc_inode_count", a.sb.AllocInodeCount))
	}

	a.l.Debug("allocator state loaded",
		zap.Uint64("alloc_blocks", a.sb.AllocBlockCount),
		zap.Uint64("alloc_inodes", a.sb.AllocInodeCount))
	return nil
}

// MarkBlocksAllocated converts a reservation into a persisted
// allocation: bits set in memory, bitmap and superblock writes appended
// to the builder. Must be called within an active transaction build.
func (a *Allocator) MarkBlocksAllocated(b *metadata.Builder, r *BlockReservation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.done {
		return status.ErrReservationDone
	}
	r.done = true
	for _, ext := range r.extents {
		for blk := ext.Start; blk < ext.End(); blk++ {
			a.blocks.Set(uint(blk))
			a.reservedBlocks.Clear(uint(blk))
		}
		a.sb.AllocBlockCount += uint64(ext.Length)
		a.w.WriteBitmap(b, a.blocks, ext.Start, uint64(ext.Length))
	}
	a.w.WriteInfo(b)
	return nil
}

// FreeBlocks clears the extent's bits and appends the matching bitmap
// and superblock writes. Freeing blocks never committed to disk is a
// double free and is rejected.
func (a *Allocator) FreeBlocks(b *metadata.Builder, ext layout.Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.checkAllocated(ext.Start, ext.End()) {
		return status.ErrDoubleFree.WrapWithLog(a.l, nil,
			zap.Uint64("start", ext.Start), zap.Uint32("length", ext.Length))
	}
	for blk := ext.Start; blk < ext.End(); blk++ {
		a.blocks.Clear(uint(blk))
	}
	a.sb.AllocBlockCount -= uint64(ext.Length)
	a.w.WriteBitmap(b, a.blocks, ext.Start, uint64(ext.Length))
	a.w.WriteInfo(b)
	return nil
}

// CheckBlocksAllocated reports whether every block in [start, end) is
// marked allocated. Read-only; used before freeing to defend against
// free-after-partial-write races.
func (a *Allocator) CheckBlocksAllocated(start, end uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkAllocated(start, end)
}

func (a *Allocator) checkAllocated(start, end uint64) bool {
	if end > a.sb.DataBlockCount {
		return false
	}
	for blk := start; blk < end; blk++ {
		if !a.blocks.Test(uint(blk)) {
			return false
		}
	}
	return true
}

// MarkInodeAllocated writes a blob head into slot index and appends the
// node and superblock writes.
func (a *Allocator) MarkInodeAllocated(b *metadata.Builder, index uint32, n *layout.Inode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.sb.InodeCount {
		return status.ErrBadIndex
	}
	n.Flags |= layout.NodeFlagAllocated
	n.Encode(a.nodeSlot(index))
	delete(a.reservedNodes, index)
	a.sb.AllocInodeCount++
	a.w.WriteNode(b, a.nodeTable, index)
	a.w.WriteInfo(b)
	return nil
}

// MarkContainerAllocated writes an extent container into slot index and
// appends the node and superblock writes.
func (a *Allocator) MarkContainerAllocated(b *metadata.Builder, index uint32, c *layout.ExtentContainer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.sb.InodeCount {
		return status.ErrBadIndex
	}
	c.Flags |= layout.NodeFlagAllocated | layout.NodeFlagContainer
	c.Encode(a.nodeSlot(index))
	delete(a.reservedNodes, index)
	a.sb.AllocInodeCount++
	a.w.WriteNode(b, a.nodeTable, index)
	a.w.WriteInfo(b)
	return nil
}

// FreeNode zeroes slot index and appends the node and superblock writes.
func (a *Allocator) FreeNode(b *metadata.Builder, index uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.sb.InodeCount {
		return status.ErrBadIndex
	}
	slot := a.nodeSlot(index)
	if !layout.DecodePrelude(slot).Allocated() {
		return status.ErrDoubleFree.WrapWithLog(a.l, nil, zap.Uint32("node", index))
	}
	for i := range slot {
		slot[i] = 0
	}
	a.sb.AllocInodeCount--
	a.w.WriteNode(b, a.nodeTable, index)
	a.w.WriteInfo(b)
	return nil
}

// Inode decodes slot index as a blob head.
func (a *Allocator) Inode(index uint32) (*layout.Inode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.sb.InodeCount {
		return nil, status.ErrBadIndex
	}
	return layout.DecodeInode(a.nodeSlot(index))
}

// Container decodes slot index as an extent container.
func (a *Allocator) Container(index uint32) (*layout.ExtentContainer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.sb.InodeCount {
		return nil, status.ErrBadIndex
	}
	return layout.DecodeContainer(a.nodeSlot(index))
}

// Prelude decodes just the prelude of slot index.
func (a *Allocator) Prelude(index uint32) (layout.NodePrelude, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(index) >= a.sb.InodeCount {
		return layout.NodePrelude{}, status.ErrBadIndex
	}
	return a.preludeAt(index), nil
}

// WalkChain visits every extent of the chain starting at head, in blob
// order, calling fn with the node index owning the extent.
func (a *Allocator) WalkChain(head uint32, fn func(index uint32, ext layout.Extent) error) error {
	inode, err := a.Inode(head)
	if err != nil {
		return err
	}
	for i := uint16(0); i < inode.ExtentCount; i++ {
		if err := fn(head, inode.Extents[i]); err != nil {
			return err
		}
	}
	next := inode.NextNode
	for next != layout.InvalidNodeIndex {
		c, err := a.Container(next)
		if err != nil {
			return err
		}
		for i := uint16(0); i < c.ExtentCount; i++ {
			if err := fn(next, c.Extents[i]); err != nil {
				return err
			}
		}
		next = c.NextNode
	}
	return nil
}

// CheckConsistency verifies that the union of all live node chains'
// extents is exactly the set of allocated bitmap bits. Used by fsck and
// by tests.
func (a *Allocator) CheckConsistency() error {
	a.mu.Lock()
	live := bitset.New(uint(a.sb.DataBlockCount))
	inodeCount := a.sb.InodeCount
	a.mu.Unlock()

	for i := uint32(0); uint64(i) < inodeCount; i++ {
		p, err := a.Prelude(i)
		if err != nil {
			return err
		}
		if !p.Allocated() || p.Container() {
			continue
		}
		err = a.WalkChain(i, func(_ uint32, ext layout.Extent) error {
			for blk := ext.Start; blk < ext.End(); blk++ {
				if live.Test(uint(blk)) {
					return status.ErrCorrupt.WrapMessage("extent overlap across live nodes")
				}
				live.Set(uint(blk))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for blk := uint64(0); blk < a.sb.DataBlockCount; blk++ {
		if live.Test(uint(blk)) != a.blocks.Test(uint(blk)) {
			return status.ErrCorrupt.WrapWithLog(a.l, nil,
				zap.Uint64("block", blk),
				zap.Bool("in_live_extent", live.Test(uint(blk))),
				zap.Bool("in_bitmap", a.blocks.Test(uint(blk))))
		}
	}
	return nil
}

func (a *Allocator) nodeSlot(index uint32) []byte {
	off := uint64(index) * layout.NodeSize
	return a.nodeTable[off : off+layout.NodeSize]
}

func (a *Allocator) preludeAt(index uint32) layout.NodePrelude {
	return layout.DecodePrelude(a.nodeSlot(index))
}
