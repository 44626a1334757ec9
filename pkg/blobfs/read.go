package blobfs

import (
	"bytes"
	"context"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/blobfs/status"
	"github.com/oneconcern/blobfs/pkg/cache"
	"github.com/oneconcern/blobfs/pkg/layout"
	"github.com/oneconcern/blobfs/pkg/merkle"
	"github.com/oneconcern/blobfs/pkg/metadata"
)

// blobReader pins the vnode for the lifetime of the read.
type blobReader struct {
	*bytes.Reader
	fs *Blobfs
	vn *cache.Vnode
}

func (r *blobReader) Close() error {
	r.fs.vnodes.Release(r.vn)
	return nil
}

// Get opens the blob stored under key. The returned reader holds a
// reference pinning the blob against eviction until closed.
func (fs *Blobfs) Get(ctx context.Context, key merkle.Key) (io.ReadCloser, error) {
	if fs.state.Load() != stateMounted {
		return nil, status.ErrShuttingDown
	}
	vn, ok := fs.vnodes.Lookup(key)
	if !ok {
		return nil, status.ErrNotFound
	}
	if vn.State() != cache.StateReadable {
		fs.vnodes.Release(vn)
		return nil, status.ErrNotFound.WrapMessage("blob is not readable yet")
	}
	data, err := fs.readBlob(ctx, vn)
	if err != nil {
		fs.vnodes.Release(vn)
		return nil, err
	}
	if fs.verifyOnRead {
		if err := merkle.Verify(key, data); err != nil {
			fs.vnodes.Release(vn)
			return nil, status.ErrIntegrity.WrapWithLog(fs.l, err, zap.Stringer("hash", key))
		}
	}
	return &blobReader{Reader: bytes.NewReader(data), fs: fs, vn: vn}, nil
}

// VerifyBlob re-derives the Merkle tree of the stored blob and compares
// it against its address.
func (fs *Blobfs) VerifyBlob(ctx context.Context, key merkle.Key) error {
	vn, ok := fs.vnodes.Lookup(key)
	if !ok {
		return status.ErrNotFound
	}
	defer fs.vnodes.Release(vn)
	data, err := fs.readBlob(ctx, vn)
	if err != nil {
		return err
	}
	if err := merkle.Verify(key, data); err != nil {
		return status.ErrIntegrity.WrapWithLog(fs.l, err, zap.Stringer("hash", key))
	}
	return nil
}

// readBlob walks the node chain and assembles the blob payload,
// truncated to its exact byte size.
func (fs *Blobfs) readBlob(ctx context.Context, vn *cache.Vnode) ([]byte, error) {
	dataStart := fs.sb.DataStartBlock()
	buf := make([]byte, uint64(vn.Blocks())*layout.BlockSize)
	off := uint64(0)
	err := fs.alloc.WalkChain(vn.NodeIndex(), func(_ uint32, ext layout.Extent) error {
		n := uint64(ext.Length) * layout.BlockSize
		if off+n > uint64(len(buf)) {
			return status.ErrCorrupt.WrapMessage("node chain addresses more blocks than the blob occupies")
		}
		if err := fs.device.ReadBlock(ctx, dataStart+ext.Start, uint64(ext.Length), buf[off:off+n]); err != nil {
			return err
		}
		off += n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if off != uint64(len(buf)) {
		return nil, status.ErrCorrupt.WrapMessage("node chain addresses fewer blocks than the blob occupies")
	}
	return buf[:vn.Size()], nil
}

// Delete removes the blob stored under key, returning its blocks and
// nodes to the free pool in one atomic transaction. Blobs pinned by open
// readers cannot be deleted.
func (fs *Blobfs) Delete(ctx context.Context, key merkle.Key) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	vn, ok := fs.vnodes.Lookup(key)
	if !ok {
		return status.ErrNotFound
	}
	head := vn.NodeIndex()
	readable := vn.State() == cache.StateReadable
	fs.vnodes.Release(vn)
	if !readable {
		return status.ErrNotFound.WrapMessage("blob is not readable yet")
	}
	// drop the cache entry first; a pinned blob stays put
	if err := fs.vnodes.Evict(key); err != nil {
		return err
	}
	// reinstates the blob when the free transaction does not commit
	resurrect := func() {
		if err := fs.vnodes.AddClosed(vn); err != nil {
			fs.l.Warn("evicted blob cannot be reinstated after failed delete",
				zap.Stringer("hash", key), zap.Error(err))
		}
	}

	fs.mutate.Lock()
	snap := fs.alloc.Snapshot()
	var b metadata.Builder
	nodes := []uint32{head}
	err := fs.alloc.WalkChain(head, func(index uint32, ext layout.Extent) error {
		if nodes[len(nodes)-1] != index {
			nodes = append(nodes, index)
		}
		return fs.alloc.FreeBlocks(&b, ext)
	})
	if err == nil {
		for _, idx := range nodes {
			if err = fs.alloc.FreeNode(&b, idx); err != nil {
				break
			}
		}
	}
	if err != nil {
		fs.alloc.Restore(snap)
		fs.mutate.Unlock()
		resurrect()
		return err
	}

	if err := fs.submit(ctx, nil, b.Take()); err != nil {
		fs.alloc.Restore(snap)
		fs.mutate.Unlock()
		resurrect()
		return err
	}
	fs.mutate.Unlock()
	fs.l.Debug("blob deleted", zap.Stringer("hash", key), zap.Uint32("node", head))
	return nil
}

// Readdir lists up to n content addresses in stable hex order, starting
// at cookie. The returned cookie resumes the listing; zero means done.
func (fs *Blobfs) Readdir(cookie uint64, n int) ([]merkle.Key, uint64, error) {
	if fs.state.Load() != stateMounted {
		return nil, 0, status.ErrShuttingDown
	}
	keys := fs.vnodes.Keys()
	if cookie >= uint64(len(keys)) {
		return nil, 0, nil
	}
	keys = keys[cookie:]
	if n > 0 && len(keys) > n {
		return keys[:n], cookie + uint64(n), nil
	}
	return keys, 0, nil
}

// Stats is a point-in-time usage summary.
type Stats struct {
	Blobs           int
	InodeCount      uint64
	AllocInodeCount uint64
	DataBlockCount  uint64
	AllocBlockCount uint64
	FVM             bool
}

// Stats reports current capacity and usage.
func (fs *Blobfs) Stats() Stats {
	sb := fs.Superblock()
	return Stats{
		Blobs:           fs.vnodes.Len(),
		InodeCount:      sb.InodeCount,
		AllocInodeCount: sb.AllocInodeCount,
		DataBlockCount:  sb.DataBlockCount,
		AllocBlockCount: sb.AllocBlockCount,
		FVM:             sb.FVM(),
	}
}

// Check runs a full consistency scan: allocator accounting against live
// node chains, then an integrity pass over every blob. All findings are
// aggregated rather than stopping at the first.
func (fs *Blobfs) Check(ctx context.Context) error {
	var errs error
	if err := fs.alloc.CheckConsistency(); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, key := range fs.vnodes.Keys() {
		if err := fs.VerifyBlob(ctx, key); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		fs.l.Error("consistency check failed", zap.Error(errs))
	}
	return errs
}
