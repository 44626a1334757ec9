package blobfs

import (
	units "github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/cache"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// Option configures a mount
type Option func(*Blobfs)

// Logger sets a logger for this filesystem
func Logger(l *zap.Logger) Option {
	return func(fs *Blobfs) {
		if l != nil {
			fs.l = l
		}
	}
}

// ReadOnly mounts without a journal and rejects every mutation
func ReadOnly() Option {
	return func(fs *Blobfs) {
		fs.readOnly = true
	}
}

// NoJournal mounts writable but unjournaled: mutations go through the
// writeback queue with no crash replay
func NoJournal() Option {
	return func(fs *Blobfs) {
		fs.noJournal = true
	}
}

// CachePolicy selects the vnode eviction policy
func CachePolicy(p cache.Policy) Option {
	return func(fs *Blobfs) {
		fs.cachePolicy = p
	}
}

// VerifyOnRead re-derives the Merkle tree of every blob read
func VerifyOnRead(enabled bool) Option {
	return func(fs *Blobfs) {
		fs.verifyOnRead = enabled
	}
}

// FormatOption configures mkfs
type FormatOption func(*formatOpts)

type formatOpts struct {
	inodeCount    uint64
	dataBlocks    uint64
	journalBlocks uint64
	fvm           bool
	sliceSize     uint64
	l             *zap.Logger
}

func defaultsForFormat() *formatOpts {
	return &formatOpts{
		inodeCount:    4096,
		dataBlocks:    (256 * units.MiB) / layout.BlockSize,
		journalBlocks: layout.DefaultJournalBlocks,
		l:             zap.NewNop(),
	}
}

// InodeCount sets the node table capacity of a fixed-size volume
func InodeCount(n uint64) FormatOption {
	return func(o *formatOpts) {
		if n > 0 {
			o.inodeCount = n
		}
	}
}

// DataBlocks sets the data region size of a fixed-size volume
func DataBlocks(n uint64) FormatOption {
	return func(o *formatOpts) {
		if n > 0 {
			o.dataBlocks = n
		}
	}
}

// JournalBlocks sets the journal region size
func JournalBlocks(n uint64) FormatOption {
	return func(o *formatOpts) {
		if n >= 2 {
			o.journalBlocks = n
		}
	}
}

// FVMBacked formats for a growable volume: every region starts at one
// slice of the given size and grows on demand
func FVMBacked(sliceSize uint64) FormatOption {
	return func(o *formatOpts) {
		o.fvm = true
		o.sliceSize = sliceSize
	}
}

// FormatLogger sets a logger for mkfs
func FormatLogger(l *zap.Logger) FormatOption {
	return func(o *formatOpts) {
		if l != nil {
			o.l = l
		}
	}
}
