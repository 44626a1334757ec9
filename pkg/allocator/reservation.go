package allocator

import (
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/allocator/status"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// BlockReservation is an in-memory claim on data blocks, invisible to
// other reservation attempts but absent from disk until committed with
// MarkBlocksAllocated. Dropping it with Release has no durable effect.
type BlockReservation struct {
	a       *Allocator
	extents []layout.Extent
	done    bool
}

// Extents returns the claimed runs, in allocation order.
func (r *BlockReservation) Extents() []layout.Extent { return r.extents }

// Blocks returns the total claimed block count.
func (r *BlockReservation) Blocks() uint64 {
	var n uint64
	for _, ext := range r.extents {
		n += uint64(ext.Length)
	}
	return n
}

// Release returns the claim to the free pool. Safe to call after commit,
// where it is a no-op.
func (r *BlockReservation) Release() {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	for _, ext := range r.extents {
		for blk := ext.Start; blk < ext.End(); blk++ {
			r.a.reservedBlocks.Clear(uint(blk))
		}
	}
}

// NodeReservation is an in-memory claim on node table slots.
type NodeReservation struct {
	a     *Allocator
	nodes []uint32
	done  bool
}

// Nodes returns the claimed slot indices in allocation order.
func (r *NodeReservation) Nodes() []uint32 { return r.nodes }

// Release returns the claim to the free pool.
func (r *NodeReservation) Release() {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	for _, idx := range r.nodes {
		delete(r.a.reservedNodes, idx)
	}
}

// ReserveBlocks claims count free data blocks, coalescing them into as
// few extents as a first-fit scan allows. Returns ErrNoSpace, with no
// state change, when the free pool cannot satisfy the claim.
func (a *Allocator) ReserveBlocks(count uint64) (*BlockReservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if count == 0 {
		return &BlockReservation{a: a}, nil
	}

	var (
		extents []layout.Extent
		left    = count
	)
	blk := uint64(0)
	for left > 0 && blk < a.sb.DataBlockCount {
		if a.blocks.Test(uint(blk)) || a.reservedBlocks.Test(uint(blk)) {
			blk++
			continue
		}
		run := layout.Extent{Start: blk}
		for blk < a.sb.DataBlockCount && uint64(run.Length) < left &&
			!a.blocks.Test(uint(blk)) && !a.reservedBlocks.Test(uint(blk)) {
			run.Length++
			blk++
		}
		extents = append(extents, run)
		left -= uint64(run.Length)
	}
	if left > 0 {
		// roll back nothing: bits were not claimed yet
		a.l.Debug("block reservation failed",
			zap.Uint64("requested", count),
			zap.Uint64("missing", left))
		return nil, status.ErrNoSpace
	}
	for _, ext := range extents {
		for b := ext.Start; b < ext.End(); b++ {
			a.reservedBlocks.Set(uint(b))
		}
	}
	return &BlockReservation{a: a, extents: extents}, nil
}

// ReserveNodes claims count free node table slots.
func (a *Allocator) ReserveNodes(count uint32) (*NodeReservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodes := make([]uint32, 0, count)
	for i := uint32(0); uint64(i) < a.sb.InodeCount && uint32(len(nodes)) < count; i++ {
		if a.preludeAt(i).Allocated() {
			continue
		}
		if _, held := a.reservedNodes[i]; held {
			continue
		}
		nodes = append(nodes, i)
	}
	if uint32(len(nodes)) < count {
		a.l.Debug("node reservation failed",
			zap.Uint32("requested", count),
			zap.Int("found", len(nodes)))
		return nil, status.ErrNoSpace
	}
	for _, idx := range nodes {
		a.reservedNodes[idx] = struct{}{}
	}
	return &NodeReservation{a: a, nodes: nodes}, nil
}
