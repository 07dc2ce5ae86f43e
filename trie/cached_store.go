package trie

import (
	"context"
	"sync"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var (
	ErrNotVirtual = errors.New("cache has no parent")
	// ErrStaleSnapshot is returned when a virtual cache needs a node its
	// parent overwrote after Virtualize without the old value being known.
	ErrStaleSnapshot = errors.New("merkle node changed in parent since virtualize")
)

// snapshotNode is a parent node as it was when a child was virtualized.
// known is false when the parent did not hold the node at that point.
type snapshotNode struct {
	value common.Hash
	known bool
}

type resolution int

const (
	resolved resolution = iota
	unresolved
	stale
)

// CachedMerkleTreeStore keeps the nodes the current block touches in memory
// on top of an AsyncMerkleTreeStore. The tree is evaluated synchronously
// against the cache, so every path it reads has to be preloaded first.
//
// A root cache sits directly on the backing store and Commit flushes its
// dirty nodes in one store transaction. A virtual cache (see Virtualize)
// sees its parent as it was at Virtualize time: the parent copies a node
// into each outstanding child before overwriting it. The child never writes
// through; its writes reach the parent only on MergeIntoParent.
type CachedMerkleTreeStore struct {
	// mu is shared by a root cache and all its descendants.
	mu *sync.RWMutex

	height  int
	parent  *CachedMerkleTreeStore
	backing AsyncMerkleTreeStore
	logger  *log.Logger

	// nodes holds every node this cache knows, read or written. Nodes the
	// backing store did not have are cached with their level's zero hash.
	nodes map[NodeKey]common.Hash
	dirty map[NodeKey]struct{}

	snapshot map[NodeKey]snapshotNode
	children map[*CachedMerkleTreeStore]struct{}
}

// NewCachedMerkleTreeStore creates a root cache over backing.
func NewCachedMerkleTreeStore(backing AsyncMerkleTreeStore, height int, logger *log.Logger) (*CachedMerkleTreeStore, error) {
	if err := ValidateHeight(height); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Global
	}
	return newCachedStore(new(sync.RWMutex), nil, backing, height, logger), nil
}

func newCachedStore(mu *sync.RWMutex, parent *CachedMerkleTreeStore, backing AsyncMerkleTreeStore, height int, logger *log.Logger) *CachedMerkleTreeStore {
	return &CachedMerkleTreeStore{
		mu:       mu,
		height:   height,
		parent:   parent,
		backing:  backing,
		logger:   logger,
		nodes:    make(map[NodeKey]common.Hash),
		dirty:    make(map[NodeKey]struct{}),
		snapshot: make(map[NodeKey]snapshotNode),
		children: make(map[*CachedMerkleTreeStore]struct{}),
	}
}

// Height of the tree the cache serves.
func (c *CachedMerkleTreeStore) Height() int { return c.height }

// IsVirtual reports whether the cache has a parent.
func (c *CachedMerkleTreeStore) IsVirtual() bool { return c.parent != nil }

// Virtualize returns a child cache isolated from c in both directions until
// it is merged or discarded.
func (c *CachedMerkleTreeStore) Virtualize() *CachedMerkleTreeStore {
	child := newCachedStore(c.mu, c, c.backing, c.height, c.logger)
	c.mu.Lock()
	c.children[child] = struct{}{}
	c.mu.Unlock()
	return child
}

// Tree returns a SparseMerkleTree evaluated over the cache.
func (c *CachedMerkleTreeStore) Tree() *SparseMerkleTree {
	return &SparseMerkleTree{store: c, height: c.height}
}

// PreloadKey loads the path and siblings of a leaf key.
func (c *CachedMerkleTreeStore) PreloadKey(ctx context.Context, key *uint256.Int) error {
	return c.PreloadKeys(ctx, []*uint256.Int{key})
}

// PreloadKeys loads the paths and siblings of many leaf keys with a single
// GetNodes call. The root is always included.
func (c *CachedMerkleTreeStore) PreloadKeys(ctx context.Context, keys []*uint256.Int) error {
	wanted := make(map[NodeKey]struct{})
	wanted[RootKey(c.height)] = struct{}{}
	for _, key := range keys {
		if err := CheckLeafKey(key, c.height); err != nil {
			return err
		}
		for level := 0; level < c.height; level++ {
			nk := LeafPathKey(key, level)
			wanted[nk] = struct{}{}
			if level < c.height-1 {
				wanted[nk.Sibling()] = struct{}{}
			}
		}
	}

	missing := make([]NodeKey, 0, len(wanted))
	c.mu.RLock()
	for nk := range wanted {
		switch _, r := c.resolveLocked(nk); r {
		case stale:
			c.mu.RUnlock()
			return errors.Wrap(ErrStaleSnapshot, nk.String())
		case unresolved:
			missing = append(missing, nk)
		}
	}
	c.mu.RUnlock()
	if len(missing) == 0 {
		return nil
	}

	values, found, err := c.fetch(ctx, missing)
	if err != nil {
		return errors.Wrap(err, "preload merkle nodes")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, nk := range missing {
		// a concurrent write or preload may have landed in the meantime
		if _, r := c.resolveLocked(nk); r != unresolved {
			continue
		}
		if found[i] {
			c.nodes[nk] = values[i]
		} else {
			c.nodes[nk] = ZeroHash(int(nk.Level))
		}
	}
	c.logger.WithFields(log.Fields{
		"keys":    len(keys),
		"fetched": len(missing),
		"virtual": c.IsVirtual(),
	}).Trace("Preloaded merkle nodes")
	return nil
}

func (c *CachedMerkleTreeStore) fetch(ctx context.Context, keys []NodeKey) ([]common.Hash, []bool, error) {
	values, found, err := c.backing.GetNodes(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	if len(values) != len(keys) || len(found) != len(keys) {
		return nil, nil, errors.Errorf("store returned %d values for %d keys", len(values), len(keys))
	}
	return values, found, nil
}

// resolveLocked resolves a node as c sees it: its own nodes, then the parent
// nodes captured at Virtualize time, then the parent's view.
func (c *CachedMerkleTreeStore) resolveLocked(nk NodeKey) (common.Hash, resolution) {
	for cache := c; cache != nil; cache = cache.parent {
		if v, ok := cache.nodes[nk]; ok {
			return v, resolved
		}
		if s, ok := cache.snapshot[nk]; ok {
			if !s.known {
				return common.Hash{}, stale
			}
			return s.value, resolved
		}
	}
	return common.Hash{}, unresolved
}

// captureLocked hands the current value of nk to every child that has not
// captured it yet. It runs before c changes its view of nk.
func (c *CachedMerkleTreeStore) captureLocked(nk NodeKey) {
	if len(c.children) == 0 {
		return
	}
	v, r := c.resolveLocked(nk)
	for child := range c.children {
		if _, ok := child.snapshot[nk]; !ok {
			child.snapshot[nk] = snapshotNode{value: v, known: r == resolved}
		}
	}
}

func (c *CachedMerkleTreeStore) writeLocked(nk NodeKey, value common.Hash) {
	c.captureLocked(nk)
	c.nodes[nk] = value
	c.dirty[nk] = struct{}{}
}

// releaseLocked detaches a virtual cache from its parent. A released cache
// reads through the live parent, so its own children first capture every
// node it is about to stop shadowing.
func (c *CachedMerkleTreeStore) releaseLocked() {
	if len(c.children) > 0 {
		for nk := range c.nodes {
			c.captureLocked(nk)
		}
		for nk := range c.snapshot {
			c.captureLocked(nk)
		}
	}
	if c.parent != nil {
		delete(c.parent.children, c)
	}
	c.snapshot = make(map[NodeKey]snapshotNode)
}

// GetNode implements MerkleTreeStore.
func (c *CachedMerkleTreeStore) GetNode(key *uint256.Int, level int) (common.Hash, error) {
	nk := NewNodeKey(key, level)
	c.mu.RLock()
	v, r := c.resolveLocked(nk)
	c.mu.RUnlock()
	switch r {
	case resolved:
		return v, nil
	case stale:
		return common.Hash{}, errors.Wrap(ErrStaleSnapshot, nk.String())
	default:
		return common.Hash{}, errors.Wrap(ErrNodeNotPreloaded, nk.String())
	}
}

// SetNode implements MerkleTreeStore. The write stays in this cache.
func (c *CachedMerkleTreeStore) SetNode(key *uint256.Int, level int, value common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLocked(NewNodeKey(key, level), value)
	return nil
}

// SetLeaf writes a leaf through the tree, updating every ancestor.
func (c *CachedMerkleTreeStore) SetLeaf(key *uint256.Int, value common.Hash) error {
	return c.Tree().SetLeaf(key, value)
}

// Root returns the current root hash.
func (c *CachedMerkleTreeStore) Root() (common.Hash, error) {
	return c.Tree().GetRoot()
}

// DirtyLen returns the number of nodes written since the last commit or merge.
func (c *CachedMerkleTreeStore) DirtyLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dirty)
}

// Commit flushes the dirty nodes. On a root cache this is exactly one
// OpenTransaction, one WriteNodes and one Commit on the backing store; on
// error nothing is marked applied. On a virtual cache it is MergeIntoParent.
func (c *CachedMerkleTreeStore) Commit(ctx context.Context) error {
	if c.IsVirtual() {
		return c.MergeIntoParent()
	}

	c.mu.RLock()
	nodes := make([]MerkleTreeNode, 0, len(c.dirty))
	for nk := range c.dirty {
		nodes = append(nodes, MerkleTreeNode{NodeKey: nk, Value: c.nodes[nk]})
	}
	c.mu.RUnlock()
	SortNodes(nodes)

	if err := c.backing.OpenTransaction(ctx); err != nil {
		return errors.Wrap(err, "open store transaction")
	}
	if err := c.backing.WriteNodes(ctx, nodes); err != nil {
		return errors.Wrap(err, "write merkle nodes")
	}
	if err := c.backing.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit store transaction")
	}

	c.mu.Lock()
	for _, n := range nodes {
		// only clear entries that were not rewritten during the flush
		if c.nodes[n.NodeKey] == n.Value {
			delete(c.dirty, n.NodeKey)
		}
	}
	c.mu.Unlock()

	c.logger.WithField("nodes", len(nodes)).Debug("Committed merkle nodes")
	return nil
}

// MergeIntoParent moves every node known to this virtual cache into its
// parent, marking written ones dirty there. The virtual cache is left empty
// and released: from then on it reads through the live parent.
func (c *CachedMerkleTreeStore) MergeIntoParent() error {
	if c.parent == nil {
		return ErrNotVirtual
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeLocked()
	return nil
}

// MergeUndo holds the values a merge overwrote in the parent.
type MergeUndo struct {
	target *CachedMerkleTreeStore
	nodes  []MerkleTreeNode
}

// MergeIntoParentWithUndo is MergeIntoParent, additionally recording the
// parent's previous value of every node the merge writes. Values the parent
// never held are read from the backing store first.
func (c *CachedMerkleTreeStore) MergeIntoParentWithUndo(ctx context.Context) (*MergeUndo, error) {
	if c.parent == nil {
		return nil, ErrNotVirtual
	}
	p := c.parent

	c.mu.RLock()
	var unknown []NodeKey
	for nk := range c.dirty {
		if _, r := p.resolveLocked(nk); r == unresolved {
			unknown = append(unknown, nk)
		}
	}
	c.mu.RUnlock()
	previous := make(map[NodeKey]common.Hash, len(unknown))
	if len(unknown) > 0 {
		values, found, err := c.fetch(ctx, unknown)
		if err != nil {
			return nil, errors.Wrap(err, "read merged nodes")
		}
		for i, nk := range unknown {
			if found[i] {
				previous[nk] = values[i]
			} else {
				previous[nk] = ZeroHash(int(nk.Level))
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	undo := &MergeUndo{target: p, nodes: make([]MerkleTreeNode, 0, len(c.dirty))}
	for nk := range c.dirty {
		v, r := p.resolveLocked(nk)
		if r == unresolved {
			var ok bool
			if v, ok = previous[nk]; !ok {
				r = stale
			}
		}
		if r == stale {
			return nil, errors.Wrap(ErrStaleSnapshot, nk.String())
		}
		undo.nodes = append(undo.nodes, MerkleTreeNode{NodeKey: nk, Value: v})
	}
	c.mergeLocked()
	return undo, nil
}

func (c *CachedMerkleTreeStore) mergeLocked() {
	c.releaseLocked()
	p := c.parent
	for nk, v := range c.nodes {
		if _, written := c.dirty[nk]; written {
			p.writeLocked(nk, v)
		} else if _, r := p.resolveLocked(nk); r == unresolved {
			p.nodes[nk] = v
		}
	}
	c.nodes = make(map[NodeKey]common.Hash)
	c.dirty = make(map[NodeKey]struct{})
}

// Revert writes the recorded values back into the merge target. A root
// target is committed as well, restoring the backing store; if that commit
// fails the restored values stay dirty in the cache.
func (u *MergeUndo) Revert(ctx context.Context) error {
	c := u.target
	c.mu.Lock()
	for _, n := range u.nodes {
		c.writeLocked(n.NodeKey, n.Value)
	}
	c.mu.Unlock()
	if c.IsVirtual() {
		return nil
	}
	return c.Commit(ctx)
}

// Discard drops everything this cache holds. For a virtual cache this
// abandons its writes and releases it; the parent is untouched.
func (c *CachedMerkleTreeStore) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	c.nodes = make(map[NodeKey]common.Hash)
	c.dirty = make(map[NodeKey]struct{})
}
