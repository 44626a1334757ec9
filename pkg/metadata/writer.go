package metadata

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"

	"github.com/oneconcern/blobfs/pkg/layout"
)

// Writer serializes superblock, bitmap and node table state into block
// writes. It holds no state of its own beyond the superblock reference:
// the allocator passes its live structures in.
type Writer struct {
	sb *layout.Superblock
}

// NewWriter builds a writer over the given superblock.
func NewWriter(sb *layout.Superblock) *Writer {
	return &Writer{sb: sb}
}

// WriteInfo re-serializes the superblock and appends its write. Any
// sequence that allocates or frees ends with exactly one WriteInfo in the
// same builder, so the superblock is always the last word on disk about
// free-space accounting.
func (w *Writer) WriteInfo(b *Builder) {
	b.Add(Operation{
		Block: layout.SuperblockOffset,
		Count: 1,
		Data:  w.sb.Encode(),
	})
}

// WriteBitmap appends writes covering the bitmap blocks tracking bits
// [startBit, startBit+nbits), rounded to whole bitmap blocks.
func (w *Writer) WriteBitmap(b *Builder, bits *bitset.BitSet, startBit, nbits uint64) {
	if nbits == 0 {
		return
	}
	firstBlock := startBit / layout.BlockBits
	lastBlock := (startBit + nbits - 1) / layout.BlockBits
	data := bitmapBytes(bits, firstBlock, lastBlock-firstBlock+1)
	b.Add(Operation{
		Block: w.sb.BlockBitmapStartBlock() + firstBlock,
		Count: lastBlock - firstBlock + 1,
		Data:  data,
	})
}

// WriteNode appends the single-block write holding node index. table is
// the allocator's in-memory node table backing bytes.
func (w *Writer) WriteNode(b *Builder, table []byte, index uint32) {
	blockInTable := uint64(index) / layout.NodesPerBlock
	off := blockInTable * layout.BlockSize
	b.Add(Operation{
		Block: w.sb.NodeTableStartBlock() + blockInTable,
		Count: 1,
		Data:  table[off : off+layout.BlockSize],
	})
}

// bitmapBytes renders nblocks bitmap blocks starting at bitmap block
// firstBlock from the in-memory bitset. On disk, bit i of the bitmap
// lives in byte i/8 at position i%8, matching the little-endian layout of
// the bitset's 64-bit words.
func bitmapBytes(bits *bitset.BitSet, firstBlock, nblocks uint64) []byte {
	out := make([]byte, nblocks*layout.BlockSize)
	words := bits.Bytes()
	// 512 words of 64 bits per 4 KiB block
	const wordsPerBlock = layout.BlockSize / 8
	start := firstBlock * wordsPerBlock
	for i := uint64(0); i < nblocks*wordsPerBlock; i++ {
		var w uint64
		if start+i < uint64(len(words)) {
			w = words[start+i]
		}
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// BitmapFromBytes rebuilds an in-memory bitset of nbits from on-disk
// bitmap bytes, the inverse of bitmapBytes.
func BitmapFromBytes(data []byte, nbits uint64) *bitset.BitSet {
	nwords := (nbits + 63) / 64
	words := make([]uint64, nwords)
	for i := uint64(0); i < nwords && (i+1)*8 <= uint64(len(data)); i++ {
		words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return bitset.From(words)
}
