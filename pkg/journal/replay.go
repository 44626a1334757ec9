package journal

import (
	"context"

	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// Replay reads the journal superblock and re-applies every committed but
// not yet checkpointed entry to its final location. It runs once at
// mount, before any other metadata mutation, and is idempotent: running
// it against an already-consistent image changes nothing.
//
// The returned superblock initializes the live journal.
func Replay(ctx context.Context, device block.Device, sb *layout.Superblock, logger *zap.Logger) (*Superblock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ringStart := sb.JournalStartBlock() + 1
	ringBlocks := sb.JournalBlocks() - 1

	buf := make([]byte, layout.BlockSize)
	if err := device.ReadBlock(ctx, sb.JournalStartBlock(), 1, buf); err != nil {
		return nil, err
	}
	jsb, err := decodeSuperblock(buf)
	if err != nil {
		return nil, err
	}

	readRing := func(at, count uint64) ([]byte, error) {
		out := make([]byte, count*layout.BlockSize)
		for filled := uint64(0); filled < count; {
			pos := (at + filled) % ringBlocks
			run := ringBlocks - pos
			if run > count-filled {
				run = count - filled
			}
			if err := device.ReadBlock(ctx, ringStart+pos, run,
				out[filled*layout.BlockSize:(filled+run)*layout.BlockSize]); err != nil {
				return nil, err
			}
			filled += run
		}
		return out, nil
	}

	replayed := 0
	for {
		hdr, err := readRing(jsb.Head, 1)
		if err != nil {
			return nil, err
		}
		h, ok := decodeEntryHeader(hdr)
		if !ok || h.sequence != jsb.Sequence {
			break
		}
		payloadBlocks := h.payloadBlocks()
		if payloadBlocks+2 > ringBlocks {
			break
		}
		payload, err := readRing(jsb.Head+1, payloadBlocks)
		if err != nil {
			return nil, err
		}
		cmt, err := readRing(jsb.Head+1+payloadBlocks, 1)
		if err != nil {
			return nil, err
		}
		seq, sum, ok := decodeCommit(cmt)
		if !ok || seq != h.sequence || sum != payloadChecksum(payload) {
			// entry was never fully committed: the log ends here
			break
		}

		// checkpoint the committed entry to its final locations
		reqs := make([]block.Request, 0, len(h.targets)+1)
		off := uint64(0)
		for _, t := range h.targets {
			reqs = append(reqs, block.Request{
				Op:    block.OpWrite,
				Block: t.Block,
				Count: t.Count,
				Data:  payload[off*layout.BlockSize : (off+t.Count)*layout.BlockSize],
			})
			off += t.Count
		}
		reqs = append(reqs, block.Request{Op: block.OpFlush})
		if err := device.Transact(ctx, reqs); err != nil {
			return nil, err
		}

		jsb.Sequence++
		jsb.Head = (jsb.Head + payloadBlocks + 2) % ringBlocks
		replayed++
	}

	if replayed > 0 {
		logger.Info("journal replay applied committed entries",
			zap.Int("entries", replayed),
			zap.Uint64("sequence", jsb.Sequence))
		if err := device.Transact(ctx, []block.Request{
			{Op: block.OpWrite, Block: sb.JournalStartBlock(), Count: 1, Data: jsb.encode()},
			{Op: block.OpFlush},
		}); err != nil {
			return nil, err
		}
	} else {
		logger.Debug("journal replay found nothing to apply",
			zap.Uint64("sequence", jsb.Sequence))
	}
	return jsb, nil
}

// FormatRegion writes a fresh journal superblock, making the region
// valid and empty. Used by mkfs.
func FormatRegion(ctx context.Context, device block.Device, sb *layout.Superblock) error {
	jsb := &Superblock{}
	return device.Transact(ctx, []block.Request{
		{Op: block.OpWrite, Block: sb.JournalStartBlock(), Count: 1, Data: jsb.encode()},
		{Op: block.OpFlush},
	})
}
