package cache

import (
	"sync"

	"github.com/oneconcern/blobfs/pkg/merkle"
)

// State tracks a blob through its lifecycle. A vnode is Empty on
// creation, Writing while its payload is staged, Readable once its
// transaction commits and Purged after deletion.
type State int

const (
	StateEmpty State = iota
	StateWriting
	StateReadable
	StatePurged
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateWriting:
		return "writing"
	case StateReadable:
		return "readable"
	case StatePurged:
		return "purged"
	default:
		return "unknown"
	}
}

// Vnode is the in-memory representation of one node chain: a single live
// object per content hash, reference-counted by the cache.
type Vnode struct {
	mu sync.Mutex

	key       merkle.Key
	nodeIndex uint32
	size      uint64
	blocks    uint32
	state     State

	refs int
}

// NewVnode creates a vnode in the Empty state for the given content hash.
func NewVnode(key merkle.Key) *Vnode {
	return &Vnode{key: key, state: StateEmpty}
}

// Key returns the content hash identifying the blob.
func (v *Vnode) Key() merkle.Key { return v.key }

// State returns the current lifecycle state.
func (v *Vnode) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// NodeIndex returns the head node of the blob's chain.
func (v *Vnode) NodeIndex() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nodeIndex
}

// Size returns the blob payload size in bytes.
func (v *Vnode) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// Blocks returns the number of data blocks backing the blob.
func (v *Vnode) Blocks() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.blocks
}

// SetWriting transitions Empty → Writing.
func (v *Vnode) SetWriting() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateWriting
}

// SetReadable publishes the committed blob geometry and transitions to
// Readable.
func (v *Vnode) SetReadable(nodeIndex uint32, size uint64, blocks uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nodeIndex = nodeIndex
	v.size = size
	v.blocks = blocks
	v.state = StateReadable
}

// SetPurged marks the blob deleted; the vnode drops from the cache once
// its last reference is released.
func (v *Vnode) SetPurged() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StatePurged
}
