// Package layout describes the on-disk format of a blobfs volume: the
// superblock kept at block zero, the block bitmap, the node table, the
// journal region and the data region, in that order.
//
// All multi-byte fields are little-endian. Region math lives here so that
// the allocator, the journal and the orchestrator agree on a single source
// of truth for where structures live on the device.
package layout

const (
	// BlockSize is the size of a filesystem block in bytes.
	BlockSize = 4096

	// BlockBits is the number of bitmap bits stored in one bitmap block.
	BlockBits = BlockSize * 8

	// NodeSize is the size of one node table entry in bytes.
	NodeSize = 128

	// NodesPerBlock is the number of node table entries per block.
	NodesPerBlock = BlockSize / NodeSize

	// SuperblockOffset is the device block holding the superblock.
	SuperblockOffset = 0

	// DefaultJournalBlocks is the journal region size used at format
	// time when the caller does not specify one.
	DefaultJournalBlocks = 16

	// InvalidNodeIndex terminates a node chain.
	InvalidNodeIndex = ^uint32(0)
)

// Virtual slice offsets of each region when the volume is FVM-backed.
// Regions live in a sparse virtual address space so each can grow
// independently, one slice at a time, without relocating its neighbours.
const (
	VsliceSuperblock = 0
	VsliceBlockMap   = 1
	VsliceNodeMap    = 0x10000
	VsliceJournal    = 0x20000
	VsliceData       = 0x30000
)

// RoundUp rounds n up to the nearest multiple of unit.
func RoundUp(n, unit uint64) uint64 {
	return (n + unit - 1) / unit * unit
}

// BlocksRequired returns the number of blocks needed to hold n bytes.
func BlocksRequired(n uint64) uint64 {
	return (n + BlockSize - 1) / BlockSize
}

// BitmapBlocksFor returns the number of bitmap blocks needed to track
// nblocks data blocks.
func BitmapBlocksFor(nblocks uint64) uint64 {
	return (nblocks + BlockBits - 1) / BlockBits
}

// NodeBlocksFor returns the number of node table blocks needed to hold
// ninodes entries.
func NodeBlocksFor(ninodes uint64) uint64 {
	return (ninodes + NodesPerBlock - 1) / NodesPerBlock
}
