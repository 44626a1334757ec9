// Package cache indexes in-flight and resident blobs by content hash,
// guaranteeing at most one live vnode per hash. Referenced vnodes live
// in the open set; unreferenced Readable vnodes move to a closed set
// governed by the configured eviction policy.
package cache

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/errors"
	"github.com/oneconcern/blobfs/pkg/merkle"
)

// Sentinel errors returned by the cache.
var (
	// ErrExists reports a second vnode for a hash that already has one
	ErrExists = errors.New("vnode already cached for this hash")

	// ErrBusy reports an eviction attempt against a referenced vnode
	ErrBusy = errors.New("vnode has outstanding references")
)

// Policy selects what happens to a Readable vnode when its last
// reference goes away.
type Policy int

const (
	// EvictImmediately drops unreferenced vnodes right away; every
	// re-open rebuilds state from the node table.
	EvictImmediately Policy = iota

	// NeverEvict keeps unreferenced vnodes resident in the closed set
	// until capacity pressure pushes them out.
	NeverEvict
)

// DefaultClosedSize bounds the closed set under the NeverEvict policy.
const DefaultClosedSize = 1 << 14

// Option configures the cache
type Option func(*Cache)

// WithPolicy selects the eviction policy
func WithPolicy(p Policy) Option {
	return func(c *Cache) {
		c.policy = p
	}
}

// ClosedSize bounds the closed set
func ClosedSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.closedSize = n
		}
	}
}

// Logger sets a logger for this cache
func Logger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.l = l
		}
	}
}

// Cache is the content-hash index over vnodes.
type Cache struct {
	mu sync.Mutex

	open       map[merkle.Key]*Vnode
	closed     *lru.Cache
	policy     Policy
	closedSize int

	l *zap.Logger
}

// New builds an empty cache.
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		open:       make(map[merkle.Key]*Vnode),
		policy:     NeverEvict,
		closedSize: DefaultClosedSize,
		l:          zap.NewNop(),
	}
	for _, apply := range opts {
		apply(c)
	}
	var err error
	c.closed, err = lru.New(c.closedSize)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns the live vnode for key, taking a reference. The second
// return is false on a miss.
func (c *Cache) Lookup(key merkle.Key) (*Vnode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vn, ok := c.open[key]; ok {
		vn.refs++
		return vn, true
	}
	if v, ok := c.closed.Get(key); ok {
		vn := v.(*Vnode)
		c.closed.Remove(key)
		vn.refs = 1
		c.open[key] = vn
		return vn, true
	}
	return nil, false
}

// Add inserts a new vnode with one reference held by the caller.
// At most one vnode may exist per hash.
func (c *Cache) Add(vn *Vnode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := vn.Key()
	if _, ok := c.open[key]; ok {
		return ErrExists
	}
	if _, ok := c.closed.Get(key); ok {
		return ErrExists
	}
	vn.refs = 1
	c.open[key] = vn
	return nil
}

// AddClosed inserts a vnode straight into the closed set, used when
// populating the cache from the node table at mount time.
func (c *Cache) AddClosed(vn *Vnode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := vn.Key()
	if _, ok := c.open[key]; ok {
		return ErrExists
	}
	if _, ok := c.closed.Get(key); ok {
		return ErrExists
	}
	vn.refs = 0
	c.closed.Add(key, vn)
	return nil
}

// Release drops one reference. The last release moves a Readable vnode
// to the closed set (or drops it, per policy); non-Readable vnodes are
// dropped outright.
func (c *Cache) Release(vn *Vnode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vn.refs--
	if vn.refs > 0 {
		return
	}
	key := vn.Key()
	delete(c.open, key)
	if vn.State() != StateReadable {
		return
	}
	if c.policy == NeverEvict {
		c.closed.Add(key, vn)
	}
}

// Evict removes the vnode for key from the cache. Entries with
// outstanding references are never evicted.
func (c *Cache) Evict(key merkle.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vn, ok := c.open[key]; ok {
		if vn.refs > 0 {
			return ErrBusy
		}
		delete(c.open, key)
		return nil
	}
	c.closed.Remove(key)
	return nil
}

// Len returns the number of cached vnodes across both sets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open) + c.closed.Len()
}

// Keys returns all cached hashes in lexicographic order, a stable
// snapshot for directory enumeration.
func (c *Cache) Keys() []merkle.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]merkle.Key, 0, len(c.open)+c.closed.Len())
	for key := range c.open {
		keys = append(keys, key)
	}
	for _, k := range c.closed.Keys() {
		keys = append(keys, k.(merkle.Key))
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}
