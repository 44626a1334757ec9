// Package memdevice provides an in-memory block device used as the
// loopback variant in tests. It emulates FVM slice mapping and supports
// write-fault injection so crash scenarios can be simulated by cutting
// the write stream at an arbitrary point.
package memdevice

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/block/status"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// Option configures the device
type Option func(*Device)

// BlockCount sets the size of a fixed (non-FVM) device in blocks
func BlockCount(n uint64) Option {
	return func(d *Device) {
		d.blockCount = n
	}
}

// FVM makes the device slice-addressed, with the given slice size in
// bytes and an upper bound on mappable slices
func FVM(sliceSize, maxSlices uint64) Option {
	return func(d *Device) {
		d.fvm = true
		d.sliceSize = sliceSize
		d.maxSlices = maxSlices
	}
}

// ReadOnly rejects all writes with status.ErrReadOnly
func ReadOnly(ro bool) Option {
	return func(d *Device) {
		d.readOnly = ro
	}
}

// Logger sets a logger for this device
func Logger(l *zap.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.l = l
		}
	}
}

// Device is an in-memory block device
type Device struct {
	mu sync.Mutex

	blockCount uint64
	data       []byte

	fvm        bool
	sliceSize  uint64
	maxSlices  uint64
	sliceCount uint64
	slices     map[uint64][]byte

	readOnly bool
	closed   bool

	// fault injection: number of block writes still allowed,
	// negative means unlimited
	writeBudget int
	writes      int

	l *zap.Logger
}

var _ block.Device = &Device{}

// New creates an in-memory device
func New(opts ...Option) *Device {
	d := &Device{
		blockCount:  1 << 14,
		writeBudget: -1,
		l:           zap.NewNop(),
	}
	for _, apply := range opts {
		apply(d)
	}
	if d.fvm {
		d.slices = make(map[uint64][]byte)
	} else {
		d.data = make([]byte, d.blockCount*layout.BlockSize)
	}
	return d
}

// Info reports the device geometry
func (d *Device) Info(_ context.Context) (block.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return block.Info{}, status.ErrClosed
	}
	info := block.Info{
		BlockSize:  layout.BlockSize,
		BlockCount: d.blockCount,
		FVM:        d.fvm,
		ReadOnly:   d.readOnly,
	}
	if d.fvm {
		info.SliceSize = d.sliceSize
		info.SliceCount = d.sliceCount
		info.MaxSliceCount = d.maxSlices
		info.BlockCount = d.maxSlices * d.sliceSize / layout.BlockSize
	}
	return info, nil
}

// ReadBlock reads count blocks starting at blk into p
func (d *Device) ReadBlock(_ context.Context, blk, count uint64, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read(blk, count, p)
}

// Transact applies an ordered batch of requests
func (d *Device) Transact(_ context.Context, reqs []block.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return status.ErrClosed
	}
	for _, req := range reqs {
		var err error
		switch req.Op {
		case block.OpRead:
			err = d.read(req.Block, req.Count, req.Data)
		case block.OpWrite:
			err = d.write(req.Block, req.Count, req.Data)
		case block.OpFlush:
			// nothing to order in memory
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Extend maps lengthSlices virtual slices at offsetSlices
func (d *Device) Extend(_ context.Context, offsetSlices, lengthSlices uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return status.ErrClosed
	}
	if !d.fvm {
		return status.ErrNotFVM
	}
	if d.readOnly {
		return status.ErrReadOnly
	}
	if d.sliceCount+lengthSlices > d.maxSlices {
		return status.ErrNoSpace
	}
	for i := uint64(0); i < lengthSlices; i++ {
		vslice := offsetSlices + i
		if _, ok := d.slices[vslice]; ok {
			continue
		}
		d.slices[vslice] = make([]byte, d.sliceSize)
		d.sliceCount++
	}
	d.l.Debug("extended device",
		zap.Uint64("offset_slices", offsetSlices),
		zap.Uint64("length_slices", lengthSlices),
		zap.Uint64("slice_count", d.sliceCount))
	return nil
}

// Flush is a no-op for memory
func (d *Device) Flush(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return status.ErrClosed
	}
	return nil
}

// Close releases the device
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Reopen makes a closed device usable again, keeping its contents.
// Test helper for unmount and remount scenarios.
func (d *Device) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
}

// SetWriteBudget arms fault injection: after n more block writes every
// write fails with status.ErrFault and is dropped. A negative budget
// disarms injection.
func (d *Device) SetWriteBudget(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeBudget = n
}

// Writes returns the number of block writes applied so far
func (d *Device) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Corrupt flips one byte at the given block offset, bypassing fault
// injection and the read-only flag. Test helper for integrity scenarios.
func (d *Device) Corrupt(blk, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, layout.BlockSize)
	if err := d.read(blk, 1, buf); err != nil {
		return err
	}
	buf[offset] ^= 0xff
	return d.writeRaw(blk, 1, buf)
}

func (d *Device) read(blk, count uint64, p []byte) error {
	if d.closed {
		return status.ErrClosed
	}
	if uint64(len(p)) < count*layout.BlockSize {
		return status.ErrOutOfRange.WrapMessage("short read buffer")
	}
	if !d.fvm {
		if blk+count > d.blockCount {
			return status.ErrOutOfRange
		}
		copy(p, d.data[blk*layout.BlockSize:(blk+count)*layout.BlockSize])
		return nil
	}
	for i := uint64(0); i < count; i++ {
		slab, off, err := d.locate(blk + i)
		if err != nil {
			return err
		}
		copy(p[i*layout.BlockSize:(i+1)*layout.BlockSize], slab[off:off+layout.BlockSize])
	}
	return nil
}

func (d *Device) write(blk, count uint64, p []byte) error {
	if d.readOnly {
		return status.ErrReadOnly
	}
	if d.writeBudget == 0 {
		d.l.Debug("dropping write, fault budget exhausted", zap.Uint64("block", blk))
		return status.ErrFault
	}
	if d.writeBudget > 0 {
		d.writeBudget--
	}
	d.writes++
	return d.writeRaw(blk, count, p)
}

func (d *Device) writeRaw(blk, count uint64, p []byte) error {
	if uint64(len(p)) < count*layout.BlockSize {
		return status.ErrOutOfRange.WrapMessage("short write buffer")
	}
	if !d.fvm {
		if blk+count > d.blockCount {
			return status.ErrOutOfRange
		}
		copy(d.data[blk*layout.BlockSize:(blk+count)*layout.BlockSize], p)
		return nil
	}
	for i := uint64(0); i < count; i++ {
		slab, off, err := d.locate(blk + i)
		if err != nil {
			return err
		}
		copy(slab[off:off+layout.BlockSize], p[i*layout.BlockSize:(i+1)*layout.BlockSize])
	}
	return nil
}

// locate resolves a virtual block to its slice slab and byte offset
func (d *Device) locate(blk uint64) ([]byte, uint64, error) {
	blocksPerSlice := d.sliceSize / layout.BlockSize
	vslice := blk / blocksPerSlice
	slab, ok := d.slices[vslice]
	if !ok {
		return nil, 0, status.ErrOutOfRange.WrapMessage("unmapped slice")
	}
	return slab, (blk % blocksPerSlice) * layout.BlockSize, nil
}
