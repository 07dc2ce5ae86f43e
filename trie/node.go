// Package trie implements the sparse Merkle tree holding sequencer state and
// the node caches it is evaluated against.
package trie

import (
	"fmt"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

const (
	// DefaultHeight is the number of levels of the state tree, leaves included.
	DefaultHeight = 256
	// MinHeight is the smallest tree that still has a root above its leaves.
	MinHeight = 2
	// MaxHeight is bounded by levels being addressed with a uint8.
	MaxHeight = 256
)

var (
	// ErrNodeNotPreloaded is returned when a cache is asked for a node that was
	// never loaded. Callers must preload every path they touch.
	ErrNodeNotPreloaded = errors.New("merkle node not preloaded")
	ErrKeyOutOfRange    = errors.New("leaf key out of range")
	ErrInvalidHeight    = errors.New("invalid tree height")
	ErrNoTransaction    = errors.New("no open store transaction")
)

// zeroHashes[l] is the root of an empty subtree whose root sits at level l.
var zeroHashes [MaxHeight]common.Hash

func init() {
	for l := 1; l < MaxHeight; l++ {
		zeroHashes[l] = crypto.NodeHash(zeroHashes[l-1], zeroHashes[l-1])
	}
}

// ZeroHash returns the hash of an empty subtree rooted at level.
func ZeroHash(level int) common.Hash { return zeroHashes[level] }

// EmptyRoot returns the root of an empty tree of the given height.
func EmptyRoot(height int) common.Hash { return zeroHashes[height-1] }

// ValidateHeight checks that height is usable.
func ValidateHeight(height int) error {
	if height < MinHeight || height > MaxHeight {
		return errors.Wrapf(ErrInvalidHeight, "height %d not in [%d, %d]", height, MinHeight, MaxHeight)
	}
	return nil
}

// NodeKey addresses a node: Index is the position among the nodes of Level,
// the leaf key shifted right by Level.
type NodeKey struct {
	Index uint256.Int
	Level uint8
}

func NewNodeKey(index *uint256.Int, level int) NodeKey {
	return NodeKey{Index: *index, Level: uint8(level)}
}

// LeafPathKey returns the key of the node at level on the path of leaf key.
func LeafPathKey(key *uint256.Int, level int) NodeKey {
	var idx uint256.Int
	idx.Rsh(key, uint(level))
	return NodeKey{Index: idx, Level: uint8(level)}
}

// Sibling returns the other child of the same parent.
func (k NodeKey) Sibling() NodeKey {
	var one, idx uint256.Int
	one.SetOne()
	idx.Xor(&k.Index, &one)
	return NodeKey{Index: idx, Level: k.Level}
}

// IsLeft reports whether the node is the left child of its parent.
func (k NodeKey) IsLeft() bool { return k.Index.Uint64()&1 == 0 }

// Parent returns the key one level up.
func (k NodeKey) Parent() NodeKey {
	var idx uint256.Int
	idx.Rsh(&k.Index, 1)
	return NodeKey{Index: idx, Level: k.Level + 1}
}

// Less orders keys by level, then index.
func (k NodeKey) Less(o NodeKey) bool {
	if k.Level != o.Level {
		return k.Level < o.Level
	}
	return k.Index.Lt(&o.Index)
}

func (k NodeKey) String() string {
	return fmt.Sprintf("node{level: %d, index: %s}", k.Level, k.Index.Hex())
}

// MerkleTreeNode is a node together with its hash, the unit written to
// persistent stores.
type MerkleTreeNode struct {
	NodeKey
	Value common.Hash
}

// CheckLeafKey verifies key < 2^(height-1).
func CheckLeafKey(key *uint256.Int, height int) error {
	if key.BitLen() > height-1 {
		return errors.Wrapf(ErrKeyOutOfRange, "key %s for height %d", key.Hex(), height)
	}
	return nil
}

// LeafKey maps a 32 byte digest onto the leaf key space of a tree of the
// given height by clearing the bits at and above height-1.
func LeafKey(h common.Hash, height int) *uint256.Int {
	key := h.Uint256()
	var mask uint256.Int
	mask.SetOne()
	mask.Lsh(&mask, uint(height-1))
	mask.SubUint64(&mask, 1)
	return key.And(key, &mask)
}

// LeafKeyHash is LeafKey encoded back into a word, the form state paths are
// carried in.
func LeafKeyHash(h common.Hash, height int) common.Hash {
	return common.Uint256ToHash(LeafKey(h, height))
}

// RootKey is the key of the root of a tree of the given height.
func RootKey(height int) NodeKey {
	return NodeKey{Level: uint8(height - 1)}
}
