package layout

import (
	"encoding/binary"

	"github.com/oneconcern/blobfs/pkg/errors"
)

const (
	// Magic0 and Magic1 identify a blobfs superblock.
	Magic0 uint64 = 0xc8a95d1b4bf0a7e6
	Magic1 uint64 = 0x4d53f0287a90be31

	// Version is the current format revision.
	Version uint32 = 1

	// FlagFVM marks a volume backed by a dynamically growable partition.
	FlagFVM uint32 = 1 << 0

	// FlagClean marks a volume that was unmounted cleanly.
	FlagClean uint32 = 1 << 1
)

// Sentinel validation errors surfaced by Superblock.Validate.
var (
	ErrBadMagic    = errors.New("superblock magic mismatch")
	ErrBadVersion  = errors.New("unsupported format version")
	ErrBadCounts   = errors.New("superblock allocation counts exceed capacity")
	ErrDeviceSmall = errors.New("device too small for described layout")
	ErrBadSlices   = errors.New("inconsistent slice accounting")
)

// Superblock is the singleton persisted at block zero. It is mutated only
// through the allocator and metadata writer paths and always re-written
// transactionally with the structures it describes.
type Superblock struct {
	Magic0            uint64
	Magic1            uint64
	Version           uint32
	Flags             uint32
	BlockSize         uint32
	JournalBlockCount uint64
	DataBlockCount    uint64
	InodeCount        uint64
	AllocBlockCount   uint64
	AllocInodeCount   uint64

	// Slice accounting, meaningful only when FlagFVM is set.
	SliceSize   uint64
	VsliceCount uint64
	AbmSlices   uint32
	InoSlices   uint32
	JnlSlices   uint32
	DatSlices   uint32
}

// FVM reports whether the volume is backed by a growable partition.
func (sb *Superblock) FVM() bool { return sb.Flags&FlagFVM != 0 }

// BlocksPerSlice returns the number of filesystem blocks per FVM slice.
func (sb *Superblock) BlocksPerSlice() uint64 {
	if sb.SliceSize == 0 {
		return 0
	}
	return sb.SliceSize / BlockSize
}

// InodesPerSlice returns the number of node table entries per FVM slice.
func (sb *Superblock) InodesPerSlice() uint64 {
	return sb.BlocksPerSlice() * NodesPerBlock
}

// BlockBitmapStartBlock returns the first device block of the block bitmap.
func (sb *Superblock) BlockBitmapStartBlock() uint64 {
	if sb.FVM() {
		return VsliceBlockMap * sb.BlocksPerSlice()
	}
	return SuperblockOffset + 1
}

// BlockBitmapBlocks returns the size of the bitmap region in blocks.
func (sb *Superblock) BlockBitmapBlocks() uint64 {
	if sb.FVM() {
		return uint64(sb.AbmSlices) * sb.BlocksPerSlice()
	}
	return BitmapBlocksFor(sb.DataBlockCount)
}

// NodeTableStartBlock returns the first device block of the node table.
func (sb *Superblock) NodeTableStartBlock() uint64 {
	if sb.FVM() {
		return VsliceNodeMap * sb.BlocksPerSlice()
	}
	return sb.BlockBitmapStartBlock() + sb.BlockBitmapBlocks()
}

// NodeTableBlocks returns the size of the node table region in blocks.
func (sb *Superblock) NodeTableBlocks() uint64 {
	if sb.FVM() {
		return uint64(sb.InoSlices) * sb.BlocksPerSlice()
	}
	return NodeBlocksFor(sb.InodeCount)
}

// JournalStartBlock returns the first device block of the journal region.
func (sb *Superblock) JournalStartBlock() uint64 {
	if sb.FVM() {
		return VsliceJournal * sb.BlocksPerSlice()
	}
	return sb.NodeTableStartBlock() + sb.NodeTableBlocks()
}

// JournalBlocks returns the size of the journal region in blocks,
// including the journal superblock.
func (sb *Superblock) JournalBlocks() uint64 {
	if sb.FVM() {
		return uint64(sb.JnlSlices) * sb.BlocksPerSlice()
	}
	return sb.JournalBlockCount
}

// DataStartBlock returns the first device block of the data region.
// Extents are addressed relative to this block.
func (sb *Superblock) DataStartBlock() uint64 {
	if sb.FVM() {
		return VsliceData * sb.BlocksPerSlice()
	}
	return sb.JournalStartBlock() + sb.JournalBlocks()
}

// TotalBlocks returns the number of device blocks addressed by the layout.
func (sb *Superblock) TotalBlocks() uint64 {
	return sb.DataStartBlock() + sb.DataBlockCount
}

// NodeBlock returns the device block holding node index.
func (sb *Superblock) NodeBlock(index uint32) uint64 {
	return sb.NodeTableStartBlock() + uint64(index)/NodesPerBlock
}

// Validate checks internal consistency and that the layout fits on a
// device exposing deviceBlocks filesystem blocks. For FVM-backed volumes
// the device block count covers the virtual address space, so only slice
// accounting is checked against it.
func (sb *Superblock) Validate(deviceBlocks uint64) error {
	if sb.Magic0 != Magic0 || sb.Magic1 != Magic1 {
		return ErrBadMagic
	}
	if sb.Version != Version {
		return ErrBadVersion
	}
	if sb.BlockSize != BlockSize {
		return ErrBadVersion.WrapMessage("unexpected block size")
	}
	if sb.AllocBlockCount > sb.DataBlockCount || sb.AllocInodeCount > sb.InodeCount {
		return ErrBadCounts
	}
	if sb.FVM() {
		if sb.SliceSize == 0 || sb.SliceSize%BlockSize != 0 {
			return ErrBadSlices
		}
		used := 1 + uint64(sb.AbmSlices) + uint64(sb.InoSlices) + uint64(sb.JnlSlices) + uint64(sb.DatSlices)
		if sb.VsliceCount != used {
			return ErrBadSlices
		}
		if sb.DataBlockCount > uint64(sb.DatSlices)*sb.BlocksPerSlice() {
			return ErrBadSlices
		}
		if sb.InodeCount > uint64(sb.InoSlices)*sb.InodesPerSlice() {
			return ErrBadSlices
		}
		if BitmapBlocksFor(sb.DataBlockCount) > sb.BlockBitmapBlocks() {
			return ErrBadSlices
		}
	} else {
		if sb.TotalBlocks() > deviceBlocks {
			return ErrDeviceSmall
		}
	}
	if sb.JournalBlocks() < 2 {
		return ErrDeviceSmall.WrapMessage("journal region too small")
	}
	return nil
}

// Encode serializes the superblock into a fresh block-sized buffer.
func (sb *Superblock) Encode() []byte {
	buf := make([]byte, BlockSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], sb.Magic0)
	le.PutUint64(buf[8:], sb.Magic1)
	le.PutUint32(buf[16:], sb.Version)
	le.PutUint32(buf[20:], sb.Flags)
	le.PutUint32(buf[24:], sb.BlockSize)
	le.PutUint64(buf[32:], sb.JournalBlockCount)
	le.PutUint64(buf[40:], sb.DataBlockCount)
	le.PutUint64(buf[48:], sb.InodeCount)
	le.PutUint64(buf[56:], sb.AllocBlockCount)
	le.PutUint64(buf[64:], sb.AllocInodeCount)
	le.PutUint64(buf[72:], sb.SliceSize)
	le.PutUint64(buf[80:], sb.VsliceCount)
	le.PutUint32(buf[88:], sb.AbmSlices)
	le.PutUint32(buf[92:], sb.InoSlices)
	le.PutUint32(buf[96:], sb.JnlSlices)
	le.PutUint32(buf[100:], sb.DatSlices)
	return buf
}

// DecodeSuperblock parses a superblock from a block buffer.
func DecodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < BlockSize {
		return nil, ErrBadMagic.WrapMessage("short superblock buffer")
	}
	le := binary.LittleEndian
	sb := &Superblock{
		Magic0:            le.Uint64(buf[0:]),
		Magic1:            le.Uint64(buf[8:]),
		Version:           le.Uint32(buf[16:]),
		Flags:             le.Uint32(buf[20:]),
		BlockSize:         le.Uint32(buf[24:]),
		JournalBlockCount: le.Uint64(buf[32:]),
		DataBlockCount:    le.Uint64(buf[40:]),
		InodeCount:        le.Uint64(buf[48:]),
		AllocBlockCount:   le.Uint64(buf[56:]),
		AllocInodeCount:   le.Uint64(buf[64:]),
		SliceSize:         le.Uint64(buf[72:]),
		VsliceCount:       le.Uint64(buf[80:]),
		AbmSlices:         le.Uint32(buf[88:]),
		InoSlices:         le.Uint32(buf[92:]),
		JnlSlices:         le.Uint32(buf[96:]),
		DatSlices:         le.Uint32(buf[100:]),
	}
	if sb.Magic0 != Magic0 || sb.Magic1 != Magic1 {
		return nil, ErrBadMagic
	}
	return sb, nil
}
