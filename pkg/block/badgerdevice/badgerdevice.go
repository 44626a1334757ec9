// Package badgerdevice keeps a blobfs volume in a badger key/value store,
// one entry per block. It is a development and loopback backend: blocks
// never written read back as zeroes, so a fresh store behaves like a
// zero-filled image.
package badgerdevice

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/block/status"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// key prefixes:
//   'b' + 8-byte block number -> block data
//   'm' + name               -> device metadata
var (
	blockPrefix = []byte("b")
	metaSize    = []byte("msize")
)

// Option configures the device
type Option func(*Device)

// BlockCount sets the device size in blocks for a fresh store
func BlockCount(n uint64) Option {
	return func(d *Device) {
		d.blockCount = n
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

// Device is a badger-backed block device
type Device struct {
	mu sync.Mutex

	db         *badger.DB
	blockCount uint64
	readOnly   bool
	closed     bool
	l          *zap.Logger
}

var _ block.Device = &Device{}

// New opens a badger store under dir. A fresh store is sized by the
// BlockCount option; an existing one keeps its recorded size.
func New(dir string, opts ...Option) (*Device, error) {
	d := &Device{
		blockCount: 1 << 14,
		l:          zap.NewNop(),
	}
	for _, apply := range opts {
		apply(d)
	}

	bopts := badger.DefaultOptions(dir)
	bopts.ReadOnly = d.readOnly
	bopts.Logger = nil
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger store %q", dir)
	}
	d.db = db

	if err := d.loadOrInitSize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) loadOrInitSize() error {
	return d.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaSize)
		if err == badger.ErrKeyNotFound {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], d.blockCount)
			return txn.Set(metaSize, b[:])
		}
		if err != nil {
			return errors.Wrap(err, "read device size")
		}
		return item.Value(func(v []byte) error {
			d.blockCount = binary.BigEndian.Uint64(v)
			return nil
		})
	})
}

func blockKey(blk uint64) []byte {
	k := make([]byte, len(blockPrefix)+8)
	copy(k, blockPrefix)
	binary.BigEndian.PutUint64(k[len(blockPrefix):], blk)
	return k
}

// Info reports the device geometry
func (d *Device) Info(_ context.Context) (block.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return block.Info{}, status.ErrClosed
	}
	return block.Info{
		BlockSize:  layout.BlockSize,
		BlockCount: d.blockCount,
		ReadOnly:   d.readOnly,
	}, nil
}

// ReadBlock reads count blocks starting at blk into p
func (d *Device) ReadBlock(_ context.Context, blk, count uint64, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return status.ErrClosed
	}
	return d.read(blk, count, p)
}

// Transact applies an ordered batch of requests in one badger transaction
// per write run, preserving submission order
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
			err = d.db.Sync()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Extend is not supported: the store is not FVM-backed
func (d *Device) Extend(_ context.Context, _, _ uint64) error {
	return status.ErrNotFVM
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
	return d.db.Sync()
}

// Close releases the store
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

func (d *Device) read(blk, count uint64, p []byte) error {
	if blk+count > d.blockCount {
		return status.ErrOutOfRange
	}
	if uint64(len(p)) < count*layout.BlockSize {
		return status.ErrOutOfRange.WrapMessage("short read buffer")
	}
	return d.db.View(func(txn *badger.Txn) error {
		for i := uint64(0); i < count; i++ {
			dst := p[i*layout.BlockSize : (i+1)*layout.BlockSize]
			item, err := txn.Get(blockKey(blk + i))
			if err == badger.ErrKeyNotFound {
				for j := range dst {
					dst[j] = 0
				}
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "read block %d", blk+i)
			}
			if err := item.Value(func(v []byte) error {
				copy(dst, v)
				return nil
			}); err != nil {
				return errors.Wrapf(err, "read block %d", blk+i)
			}
		}
		return nil
	})
}

func (d *Device) write(blk, count uint64, p []byte) error {
	if d.readOnly {
		return status.ErrReadOnly
	}
	if blk+count > d.blockCount {
		return status.ErrOutOfRange
	}
	if uint64(len(p)) < count*layout.BlockSize {
		return status.ErrOutOfRange.WrapMessage("short write buffer")
	}
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for i := uint64(0); i < count; i++ {
		data := make([]byte, layout.BlockSize)
		copy(data, p[i*layout.BlockSize:(i+1)*layout.BlockSize])
		if err := wb.Set(blockKey(blk+i), data); err != nil {
			return errors.Wrapf(err, "write block %d", blk+i)
		}
	}
	return errors.Wrap(wb.Flush(), "flush write batch")
}
