package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/oneconcern/blobfs/pkg/journal/status"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/metadata"
)

// On-disk journal format. The journal region starts with one superblock
// block followed by a circular log. Every entry is
//
//	[header block][payload blocks...][commit block]
//
// written in that order. An entry counts as committed only when its
// commit block is present with a matching sequence and a payload
// checksum that verifies. Replay applies committed entries and stops at
// the first hole.
const (
	journalMagic uint64 = 0x626c6a6e6c303173
	headerMagic  uint64 = 0x95c19f2b33aa71d0
	commitMagic  uint64 = 0x7f2e50c8e1b64a9d

	// maxEntryOps bounds the per-op table to the header block
	maxEntryOps = (layout.BlockSize - 32) / 16
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Superblock is the journal's own bookkeeping block: where the next
// entry will be written in the ring and with which sequence number.
type Superblock struct {
	Sequence uint64
	Head     uint64
}

func (jsb *Superblock) encode() []byte {
	buf := make([]byte, layout.BlockSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], journalMagic)
	le.PutUint64(buf[8:], jsb.Sequence)
	le.PutUint64(buf[16:], jsb.Head)
	le.PutUint32(buf[24:], crc32.Checksum(buf[:24], castagnoli))
	return buf
}

func decodeSuperblock(buf []byte) (*Superblock, error) {
	le := binary.LittleEndian
	if le.Uint64(buf[0:]) != journalMagic {
		return nil, status.ErrReplayCorrupt.WrapMessage("bad journal magic")
	}
	if le.Uint32(buf[24:]) != crc32.Checksum(buf[:24], castagnoli) {
		return nil, status.ErrReplayCorrupt.WrapMessage("journal superblock checksum mismatch")
	}
	return &Superblock{
		Sequence: le.Uint64(buf[8:]),
		Head:     le.Uint64(buf[16:]),
	}, nil
}

// entryHeader describes one logged transaction: the final destination of
// every payload run.
type entryHeader struct {
	sequence uint64
	targets  []metadata.Operation // Data unset, Block/Count only
}

func (h *entryHeader) payloadBlocks() uint64 {
	var n uint64
	for _, t := range h.targets {
		n += t.Count
	}
	return n
}

func (h *entryHeader) encode() []byte {
	buf := make([]byte, layout.BlockSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], headerMagic)
	le.PutUint64(buf[8:], h.sequence)
	le.PutUint32(buf[16:], uint32(len(h.targets)))
	off := 32
	for _, t := range h.targets {
		le.PutUint64(buf[off:], t.Block)
		le.PutUint64(buf[off+8:], t.Count)
		off += 16
	}
	return buf
}

func decodeEntryHeader(buf []byte) (*entryHeader, bool) {
	le := binary.LittleEndian
	if le.Uint64(buf[0:]) != headerMagic {
		return nil, false
	}
	n := le.Uint32(buf[16:])
	if n == 0 || n > maxEntryOps {
		return nil, false
	}
	h := &entryHeader{sequence: le.Uint64(buf[8:])}
	off := 32
	for i := uint32(0); i < n; i++ {
		h.targets = append(h.targets, metadata.Operation{
			Block: le.Uint64(buf[off:]),
			Count: le.Uint64(buf[off+8:]),
		})
		off += 16
	}
	return h, true
}

func encodeCommit(sequence uint64, checksum uint32) []byte {
	buf := make([]byte, layout.BlockSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], commitMagic)
	le.PutUint64(buf[8:], sequence)
	le.PutUint32(buf[16:], checksum)
	return buf
}

func decodeCommit(buf []byte) (sequence uint64, checksum uint32, ok bool) {
	le := binary.LittleEndian
	if le.Uint64(buf[0:]) != commitMagic {
		return 0, 0, false
	}
	return le.Uint64(buf[8:]), le.Uint32(buf[16:]), true
}

// payloadChecksum covers the concatenated payload blocks of one entry.
func payloadChecksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}
