// Package metadata turns allocator-state deltas into concrete block I/O.
// Mutations are appended to a caller-supplied Builder rather than issued
// directly, so one logical operation (a blob commit, a delete) naturally
// becomes a single atomic journal transaction.
package metadata

import (
	"sort"

	"github.com/oneconcern/blobfs/pkg/layout"
)

// Operation is one block-aligned write destined for a device location.
type Operation struct {
	// Block is the target device block.
	Block uint64
	// Count is the number of blocks written.
	Count uint64
	// Data holds Count blocks of payload.
	Data []byte
}

// End returns the first device block past the operation.
func (o Operation) End() uint64 { return o.Block + o.Count }

// Builder accumulates the unbuffered write operations of one logical
// mutation. Overlapping or adjacent writes to the same region are merged,
// later data winning, so re-serializing the same structure twice inside
// one mutation stays a single write.
type Builder struct {
	ops []Operation
}

// Add appends an operation, merging it with every pending operation whose
// range overlaps or directly touches it. The incoming data wins wherever
// ranges overlap, so pending operations stay pairwise disjoint and Take's
// ordering cannot resurrect a stale render of the same region.
func (b *Builder) Add(op Operation) {
	if op.Count == 0 {
		return
	}
	// keep our own copy, callers re-use their staging buffers
	data := make([]byte, op.Count*layout.BlockSize)
	copy(data, op.Data)
	acc := Operation{Block: op.Block, Count: op.Count, Data: data}

	for i := 0; i < len(b.ops); {
		cur := b.ops[i]
		if acc.Block > cur.End() || cur.Block > acc.End() {
			i++
			continue
		}
		acc = merge(cur, acc)
		b.ops = append(b.ops[:i], b.ops[i+1:]...)
		i = 0
	}
	b.ops = append(b.ops, acc)
}

// merge lays newer over older across the union of their ranges.
func merge(older, newer Operation) Operation {
	start := older.Block
	if newer.Block < start {
		start = newer.Block
	}
	end := older.End()
	if newer.End() > end {
		end = newer.End()
	}
	data := make([]byte, (end-start)*layout.BlockSize)
	copy(data[(older.Block-start)*layout.BlockSize:], older.Data[:older.Count*layout.BlockSize])
	copy(data[(newer.Block-start)*layout.BlockSize:], newer.Data[:newer.Count*layout.BlockSize])
	return Operation{Block: start, Count: end - start, Data: data}
}

// Take returns the accumulated operations, ordered by target block, and
// resets the builder.
func (b *Builder) Take() []Operation {
	ops := b.ops
	b.ops = nil
	sort.Slice(ops, func(i, j int) bool { return ops[i].Block < ops[j].Block })
	return ops
}

// Len returns the number of pending operations.
func (b *Builder) Len() int { return len(b.ops) }

// Blocks returns the total number of blocks covered by pending operations.
func (b *Builder) Blocks() uint64 {
	var n uint64
	for _, op := range b.ops {
		n += op.Count
	}
	return n
}
