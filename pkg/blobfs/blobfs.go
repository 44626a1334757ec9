// Package blobfs composes the block device, allocator, journal and
// vnode cache into a content-addressed, append-only filesystem: every
// blob is immutable, identified by the Merkle root of its data and
// stored as a chain of node table entries pointing at data extents.
package blobfs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/allocator"
	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/blobfs/status"
	"github.com/oneconcern/blobfs/pkg/cache"
	"github.com/oneconcern/blobfs/pkg/journal"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/merkle"
	"github.com/oneconcern/blobfs/pkg/metadata"
)

// mount lifecycle states
const (
	stateCreated int32 = iota
	stateMounted
	stateShuttingDown
	stateDestroyed
)

// Blobfs is a mounted volume.
type Blobfs struct {
	device block.Device
	sb     *layout.Superblock
	alloc  *allocator.Allocator
	jnl    *journal.Journal
	vnodes *cache.Cache

	instanceID uuid.UUID
	state      *atomic.Int32

	// one logical owner of the allocator/superblock critical section
	// per mutation: transactions are built under this lock and only
	// awaited outside it
	mutate sync.Mutex

	readOnly     bool
	noJournal    bool
	verifyOnRead bool
	cachePolicy  cache.Policy

	l *zap.Logger
}

// Mount validates the superblock, replays the journal, loads allocator
// state and populates the vnode cache. Any failure aborts the whole
// mount with the first error encountered: no partial mount state is
// ever exposed.
func Mount(ctx context.Context, device block.Device, opts ...Option) (*Blobfs, error) {
	fs := &Blobfs{
		device:      device,
		state:       atomic.NewInt32(stateCreated),
		cachePolicy: cache.NeverEvict,
		l:           zap.NewNop(),
	}
	for _, apply := range opts {
		apply(fs)
	}

	info, err := device.Info(ctx)
	if err != nil {
		return nil, err
	}
	if info.ReadOnly {
		fs.readOnly = true
	}
	if info.BlockSize != layout.BlockSize {
		return nil, status.ErrCorrupt.WrapMessage("device block size mismatch")
	}

	buf := make([]byte, layout.BlockSize)
	if err := device.ReadBlock(ctx, layout.SuperblockOffset, 1, buf); err != nil {
		return nil, err
	}
	fs.sb, err = layout.DecodeSuperblock(buf)
	if err != nil {
		return nil, status.ErrCorrupt.Wrap(err)
	}
	if err := fs.sb.Validate(info.BlockCount); err != nil {
		return nil, status.ErrCorrupt.WrapWithLog(fs.l, err)
	}

	// replay before any other metadata mutation; skipped only on an
	// explicitly read-only mount, which must never initialize a
	// production journal either
	var replayed *journal.Superblock
	if !fs.readOnly {
		replayed, err = journal.Replay(ctx, device, fs.sb, fs.l)
		if err != nil {
			return nil, status.ErrCorrupt.WrapWithLog(fs.l, err, zap.String("stage", "journal replay"))
		}
	}

	fs.alloc = allocator.New(device, fs.sb, allocator.Logger(fs.l))
	if err := fs.alloc.ResetFromStorage(ctx); err != nil {
		return nil, err
	}

	if !fs.readOnly {
		jopts := []journal.Option{journal.Logger(fs.l)}
		if fs.noJournal {
			jopts = append(jopts, journal.Writeback())
		}
		fs.jnl = journal.New(device, fs.sb, replayed, jopts...)
	}

	fs.vnodes, err = cache.New(cache.WithPolicy(fs.cachePolicy), cache.Logger(fs.l))
	if err != nil {
		return nil, err
	}
	if err := fs.initVnodes(); err != nil {
		if fs.jnl != nil {
			_ = fs.jnl.Close(ctx)
		}
		return nil, err
	}

	fs.instanceID = uuid.New()
	fs.state.Store(stateMounted)
	fs.l.Info("volume mounted",
		zap.Stringer("instance", fs.instanceID),
		zap.Bool("read_only", fs.readOnly),
		zap.Bool("journaled", !fs.noJournal && !fs.readOnly),
		zap.Uint64("alloc_blocks", fs.sb.AllocBlockCount),
		zap.Uint64("alloc_inodes", fs.sb.AllocInodeCount))
	return fs, nil
}

// initVnodes synthesizes a Readable vnode for every allocated blob head
// in the node table. Extent containers are skipped; a duplicate content
// hash is fatal corruption.
func (fs *Blobfs) initVnodes() error {
	var heads, slots uint64
	for i := uint32(0); uint64(i) < fs.sb.InodeCount; i++ {
		p, err := fs.alloc.Prelude(i)
		if err != nil {
			return err
		}
		if !p.Allocated() {
			continue
		}
		slots++
		if p.Container() {
			continue
		}
		inode, err := fs.alloc.Inode(i)
		if err != nil {
			return status.ErrCorrupt.WrapWithLog(fs.l, err, zap.Uint32("node", i))
		}
		heads++
		vn := cache.NewVnode(merkle.MustNewKey(inode.MerkleRoot[:]))
		vn.SetReadable(i, inode.BlobSize, inode.BlockCount)
		if err := fs.vnodes.AddClosed(vn); err != nil {
			return status.ErrCorrupt.WrapWithLog(fs.l, err,
				zap.Uint32("node", i),
				zap.Stringer("hash", vn.Key()))
		}
	}
	if slots != fs.sb.AllocInodeCount {
		return status.ErrCorrupt.WrapWithLog(fs.l, nil,
			zap.Uint64("counted_nodes", slots),
			zap.Uint64("alloc_inode_count", fs.sb.AllocInodeCount))
	}
	fs.l.Debug("vnode cache populated", zap.Uint64("blobs", heads))
	return nil
}

// InstanceID identifies this mount.
func (fs *Blobfs) InstanceID() uuid.UUID { return fs.instanceID }

// Superblock returns a copy of the current superblock.
func (fs *Blobfs) Superblock() layout.Superblock {
	fs.mutate.Lock()
	defer fs.mutate.Unlock()
	return *fs.sb
}

// Sync delegates to the journal's barrier. Without a journal there is
// nothing buffered and Sync succeeds immediately.
func (fs *Blobfs) Sync(ctx context.Context) error {
	if fs.state.Load() == stateDestroyed {
		return status.ErrShuttingDown
	}
	if fs.jnl == nil {
		return nil
	}
	return fs.jnl.Sync(ctx).Wait(ctx)
}

// Shutdown drains in three phases: stop accepting operations, flush all
// pending journal work, then flush and release the device. Safe to call
// more than once.
func (fs *Blobfs) Shutdown(ctx context.Context) error {
	if !fs.state.CompareAndSwap(stateMounted, stateShuttingDown) {
		return nil
	}
	var errs error
	if fs.jnl != nil {
		if err := fs.jnl.Sync(ctx).Wait(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		if err := fs.jnl.Close(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if !fs.readOnly {
		if err := fs.device.Flush(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := fs.device.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	fs.state.Store(stateDestroyed)
	fs.l.Info("volume shut down", zap.Stringer("instance", fs.instanceID), zap.Error(errs))
	return errs
}

// mutable gates every write entry point.
func (fs *Blobfs) mutable() error {
	if fs.state.Load() != stateMounted {
		return status.ErrShuttingDown
	}
	if fs.readOnly {
		return status.ErrReadOnly
	}
	return nil
}

// submit hands one built transaction to the journal and waits for its
// durable commit.
func (fs *Blobfs) submit(ctx context.Context, data, meta []metadata.Operation) error {
	return fs.jnl.Submit(ctx, data, meta).Wait(ctx)
}
