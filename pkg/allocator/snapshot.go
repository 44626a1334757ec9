package allocator

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/oneconcern/blobfs/pkg/layout"
)

// Snapshot captures the durable allocation state: the block bitmap, the
// node table and the superblock accounting. Reservations are excluded,
// they are in-memory claims owned by their holders and survive a
// Restore untouched.
type Snapshot struct {
	sb        layout.Superblock
	blocks    *bitset.BitSet
	nodeTable []byte
}

// Snapshot returns a copy of the durable allocation state. A caller
// about to stage a mutation takes one first, and hands it back to
// Restore when the transaction fails to commit.
func (a *Allocator) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	table := make([]byte, len(a.nodeTable))
	copy(table, a.nodeTable)
	return &Snapshot{
		sb:        *a.sb,
		blocks:    a.blocks.Clone(),
		nodeTable: table,
	}
}

// Restore rewinds the durable allocation state to a prior Snapshot,
// discarding every bitmap, node table and counter change staged since.
// Reservations released in between are not resurrected.
func (a *Allocator) Restore(s *Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	*a.sb = s.sb
	a.blocks = s.blocks.Clone()
	table := make([]byte, len(s.nodeTable))
	copy(table, s.nodeTable)
	a.nodeTable = table
}
