// Package filedevice serves a blobfs volume from an image file through an
// afero filesystem. FVM-backed images rely on sparse files: virtual slice
// addresses map directly to file offsets and unmapped regions read as
// zeroes, which is sufficient for loopback use.
package filedevice

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/block/status"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// Option configures the device
type Option func(*Device)

// FVM marks the image as backed by a growable volume with the given
// slice size in bytes and slice cap
func FVM(sliceSize, maxSlices uint64) Option {
	return func(d *Device) {
		d.fvm = true
		d.sliceSize = sliceSize
		d.maxSlices = maxSlices
	}
}

// ReadOnly opens the image for reading only
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

// Device is an image-file block device
type Device struct {
	mu sync.Mutex

	f          afero.File
	blockCount uint64

	fvm        bool
	sliceSize  uint64
	maxSlices  uint64
	sliceCount uint64

	readOnly bool
	closed   bool

	l *zap.Logger
}

var _ block.Device = &Device{}

// New opens (or creates) an image file on fs. For fixed-size images the
// file's current size defines the block count; Create sizes a fresh one.
func New(fs afero.Fs, path string, opts ...Option) (*Device, error) {
	d := &Device{l: zap.NewNop()}
	for _, apply := range opts {
		apply(d)
	}

	flag := os.O_RDWR | os.O_CREATE
	if d.readOnly {
		flag = os.O_RDONLY
	}
	f, err := fs.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %q", path)
	}
	d.f = f

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat image %q", path)
	}
	d.blockCount = uint64(fi.Size()) / layout.BlockSize
	if d.fvm {
		d.sliceCount = layout.RoundUp(uint64(fi.Size()), d.sliceSize) / d.sliceSize
	}
	return d, nil
}

// Create sizes a fresh fixed image of nblocks and returns the device over it
func Create(fs afero.Fs, path string, nblocks uint64, opts ...Option) (*Device, error) {
	d, err := New(fs, path, opts...)
	if err != nil {
		return nil, err
	}
	if err := d.f.Truncate(int64(nblocks * layout.BlockSize)); err != nil {
		_ = d.f.Close()
		return nil, errors.Wrapf(err, "size image %q", path)
	}
	d.blockCount = nblocks
	return d, nil
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
func (d *Device) Transact(ctx context.Context, reqs []block.Request) error {
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
			err = d.f.Sync()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Extend maps lengthSlices virtual slices at offsetSlices by growing the
// sparse image file
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
	fi, err := d.f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat image")
	}
	// only slices not already covered by the file count against the cap,
	// re-extending a mapped region is idempotent
	covered := layout.RoundUp(uint64(fi.Size()), d.sliceSize) / d.sliceSize
	end := offsetSlices + lengthSlices
	if end <= covered {
		return nil
	}
	added := end - covered
	if d.sliceCount+added > d.maxSlices {
		return status.ErrNoSpace
	}
	if err := d.f.Truncate(int64(end * d.sliceSize)); err != nil {
		return errors.Wrap(err, "grow image")
	}
	d.sliceCount += added
	return nil
}

// Flush orders writes onto stable storage
func (d *Device) Flush(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return status.ErrClosed
	}
	if d.readOnly {
		return nil
	}
	return d.f.Sync()
}

// Close releases the device
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}

func (d *Device) read(blk, count uint64, p []byte) error {
	if d.closed {
		return status.ErrClosed
	}
	if uint64(len(p)) < count*layout.BlockSize {
		return status.ErrOutOfRange.WrapMessage("short read buffer")
	}
	n, err := d.f.ReadAt(p[:count*layout.BlockSize], int64(blk*layout.BlockSize))
	if err != nil && uint64(n) < count*layout.BlockSize {
		// a sparse FVM image legitimately reads zeroes past EOF
		if d.fvm {
			for i := n; uint64(i) < count*layout.BlockSize; i++ {
				p[i] = 0
			}
			return nil
		}
		return errors.Wrapf(err, "read %d blocks at %d", count, blk)
	}
	return nil
}

func (d *Device) write(blk, count uint64, p []byte) error {
	if d.readOnly {
		return status.ErrReadOnly
	}
	if uint64(len(p)) < count*layout.BlockSize {
		return status.ErrOutOfRange.WrapMessage("short write buffer")
	}
	if !d.fvm && blk+count > d.blockCount {
		return status.ErrOutOfRange
	}
	if _, err := d.f.WriteAt(p[:count*layout.BlockSize], int64(blk*layout.BlockSize)); err != nil {
		return errors.Wrapf(err, "write %d blocks at %d", count, blk)
	}
	return nil
}
