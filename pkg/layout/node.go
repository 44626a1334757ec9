package layout

import (
	"encoding/binary"

	"github.com/oneconcern/blobfs/pkg/errors"
)

const (
	// HashSize is the size in bytes of a Merkle root stored in a blob head.
	HashSize = 64

	// NodeFlagAllocated marks a node table entry as in use.
	NodeFlagAllocated uint16 = 1 << 0

	// NodeFlagContainer marks an entry holding extent-list continuation
	// rather than a blob head.
	NodeFlagContainer uint16 = 1 << 1

	// HeadMaxExtents is the number of extents stored inline in a blob head.
	HeadMaxExtents = 3

	// ContainerMaxExtents is the number of extents stored in a container node.
	ContainerMaxExtents = 9

	extentSize = 12
)

// ErrNodeEncoding reports a node entry that cannot be decoded.
var ErrNodeEncoding = errors.New("node entry encoding invalid")

// Extent is a contiguous run of data blocks, addressed relative to the
// data region start.
type Extent struct {
	Start  uint64
	Length uint32
}

// End returns the first block past the extent.
func (e Extent) End() uint64 { return e.Start + uint64(e.Length) }

func putExtent(buf []byte, e Extent) {
	binary.LittleEndian.PutUint64(buf[0:], e.Start)
	binary.LittleEndian.PutUint32(buf[8:], e.Length)
}

func getExtent(buf []byte) Extent {
	return Extent{
		Start:  binary.LittleEndian.Uint64(buf[0:]),
		Length: binary.LittleEndian.Uint32(buf[8:]),
	}
}

// NodePrelude is common to blob heads and extent containers.
type NodePrelude struct {
	Flags    uint16
	Version  uint16
	NextNode uint32
}

// Allocated reports whether the entry is in use.
func (p NodePrelude) Allocated() bool { return p.Flags&NodeFlagAllocated != 0 }

// Container reports whether the entry is an extent container.
func (p NodePrelude) Container() bool { return p.Flags&NodeFlagContainer != 0 }

// DecodePrelude parses just the prelude of a node entry.
func DecodePrelude(buf []byte) NodePrelude {
	return NodePrelude{
		Flags:    binary.LittleEndian.Uint16(buf[0:]),
		Version:  binary.LittleEndian.Uint16(buf[2:]),
		NextNode: binary.LittleEndian.Uint32(buf[4:]),
	}
}

func (p NodePrelude) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:], p.Flags)
	binary.LittleEndian.PutUint16(buf[2:], p.Version)
	binary.LittleEndian.PutUint32(buf[4:], p.NextNode)
}

// Inode is a blob head: the first node of a chain, holding the Merkle
// root, blob geometry and the first extents.
type Inode struct {
	NodePrelude
	MerkleRoot  [HashSize]byte
	BlobSize    uint64
	BlockCount  uint32
	ExtentTotal uint16
	ExtentCount uint16
	Extents     [HeadMaxExtents]Extent
}

// Encode serializes the inode into a NodeSize-byte slice.
func (n *Inode) Encode(buf []byte) {
	n.NodePrelude.encode(buf)
	copy(buf[8:72], n.MerkleRoot[:])
	binary.LittleEndian.PutUint64(buf[72:], n.BlobSize)
	binary.LittleEndian.PutUint32(buf[80:], n.BlockCount)
	binary.LittleEndian.PutUint16(buf[84:], n.ExtentTotal)
	binary.LittleEndian.PutUint16(buf[86:], n.ExtentCount)
	for i := 0; i < HeadMaxExtents; i++ {
		putExtent(buf[88+i*extentSize:], n.Extents[i])
	}
}

// DecodeInode parses a blob head from a NodeSize-byte slice.
func DecodeInode(buf []byte) (*Inode, error) {
	if len(buf) < NodeSize {
		return nil, ErrNodeEncoding.WrapMessage("short node buffer")
	}
	n := &Inode{NodePrelude: DecodePrelude(buf)}
	if n.Container() {
		return nil, ErrNodeEncoding.WrapMessage("extent container where blob head expected")
	}
	copy(n.MerkleRoot[:], buf[8:72])
	n.BlobSize = binary.LittleEndian.Uint64(buf[72:])
	n.BlockCount = binary.LittleEndian.Uint32(buf[80:])
	n.ExtentTotal = binary.LittleEndian.Uint16(buf[84:])
	n.ExtentCount = binary.LittleEndian.Uint16(buf[86:])
	if n.ExtentCount > HeadMaxExtents {
		return nil, ErrNodeEncoding.WrapMessage("blob head extent count out of range")
	}
	for i := 0; i < HeadMaxExtents; i++ {
		n.Extents[i] = getExtent(buf[88+i*extentSize:])
	}
	return n, nil
}

// ExtentContainer continues the extent list of a blob whose extent count
// exceeds the head's inline capacity.
type ExtentContainer struct {
	NodePrelude
	ExtentCount uint16
	Extents     [ContainerMaxExtents]Extent
}

// Encode serializes the container into a NodeSize-byte slice.
func (c *ExtentContainer) Encode(buf []byte) {
	c.NodePrelude.encode(buf)
	binary.LittleEndian.PutUint16(buf[8:], c.ExtentCount)
	for i := 0; i < ContainerMaxExtents; i++ {
		putExtent(buf[16+i*extentSize:], c.Extents[i])
	}
}

// DecodeContainer parses an extent container from a NodeSize-byte slice.
func DecodeContainer(buf []byte) (*ExtentContainer, error) {
	if len(buf) < NodeSize {
		return nil, ErrNodeEncoding.WrapMessage("short node buffer")
	}
	c := &ExtentContainer{NodePrelude: DecodePrelude(buf)}
	if !c.Container() {
		return nil, ErrNodeEncoding.WrapMessage("blob head where extent container expected")
	}
	c.ExtentCount = binary.LittleEndian.Uint16(buf[8:])
	if c.ExtentCount > ContainerMaxExtents {
		return nil, ErrNodeEncoding.WrapMessage("container extent count out of range")
	}
	for i := 0; i < ContainerMaxExtents; i++ {
		c.Extents[i] = getExtent(buf[16+i*extentSize:])
	}
	return c, nil
}
