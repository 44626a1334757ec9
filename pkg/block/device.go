// Package block defines the boundary between blobfs and the storage it
// runs on: a device of fixed-size blocks accepting batched read/write
// transactions, optionally growable in slices when backed by a dynamic
// volume manager.
package block

import (
	"context"
)

// Op is the opcode of one request in a transaction.
type Op int

const (
	// OpRead reads Count blocks starting at Block into Data.
	OpRead Op = iota
	// OpWrite writes Count blocks from Data starting at Block.
	OpWrite
	// OpFlush orders all preceding writes onto stable storage.
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Request is one operation inside a batched transaction. Block addresses
// are in filesystem blocks. For FVM-backed devices they address the
// virtual slice space.
type Request struct {
	Op    Op
	Block uint64
	Count uint64
	Data  []byte
}

// Info describes a device's geometry.
type Info struct {
	BlockSize     uint32
	BlockCount    uint64
	SliceSize     uint64
	SliceCount    uint64
	MaxSliceCount uint64
	FVM           bool
	ReadOnly      bool
}

// Device is the capability set blobfs requires from its storage.
// Implementations: an image file, an in-memory loopback for tests, and a
// badger-backed development store.
type Device interface {
	// Info reports the device geometry.
	Info(ctx context.Context) (Info, error)

	// ReadBlock reads count blocks starting at blk into p.
	ReadBlock(ctx context.Context, blk, count uint64, p []byte) error

	// Transact applies an ordered batch of requests. Requests are
	// applied in submission order; an error aborts the remainder.
	Transact(ctx context.Context, reqs []Request) error

	// Extend maps lengthSlices virtual slices starting at offsetSlices.
	// Only valid on FVM-backed devices.
	Extend(ctx context.Context, offsetSlices, lengthSlices uint64) error

	// Flush orders all completed writes onto stable storage.
	Flush(ctx context.Context) error

	// Close releases the device.
	Close() error
}
