package trie

import (
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// SparseMerkleTree evaluates a fixed height binary tree over a node store.
// It holds no nodes itself.
type SparseMerkleTree struct {
	store  MerkleTreeStore
	height int
}

func NewSparseMerkleTree(store MerkleTreeStore, height int) (*SparseMerkleTree, error) {
	if err := ValidateHeight(height); err != nil {
		return nil, err
	}
	return &SparseMerkleTree{store: store, height: height}, nil
}

func (t *SparseMerkleTree) Height() int { return t.height }

// GetRoot returns the hash of the root node.
func (t *SparseMerkleTree) GetRoot() (common.Hash, error) {
	root := RootKey(t.height)
	return t.store.GetNode(&root.Index, int(root.Level))
}

// GetNode returns the node at level on the path of leaf key.
func (t *SparseMerkleTree) GetNode(key *uint256.Int, level int) (common.Hash, error) {
	if err := CheckLeafKey(key, t.height); err != nil {
		return common.Hash{}, err
	}
	nk := LeafPathKey(key, level)
	return t.store.GetNode(&nk.Index, level)
}

// GetLeaf returns the leaf value at key.
func (t *SparseMerkleTree) GetLeaf(key *uint256.Int) (common.Hash, error) {
	return t.GetNode(key, 0)
}

// SetLeaf writes the leaf and recomputes every ancestor up to the root from
// the siblings found in the store. All siblings are read before the first
// write, so a missing sibling leaves the store untouched.
func (t *SparseMerkleTree) SetLeaf(key *uint256.Int, value common.Hash) error {
	if err := CheckLeafKey(key, t.height); err != nil {
		return err
	}
	path := make([]NodeKey, t.height)
	hashes := make([]common.Hash, t.height)
	nk := LeafPathKey(key, 0)
	path[0], hashes[0] = nk, value
	for level := 0; level < t.height-1; level++ {
		sib := nk.Sibling()
		sibling, err := t.store.GetNode(&sib.Index, level)
		if err != nil {
			return errors.Wrapf(err, "sibling of %s", nk)
		}
		if nk.IsLeft() {
			hashes[level+1] = crypto.NodeHash(hashes[level], sibling)
		} else {
			hashes[level+1] = crypto.NodeHash(sibling, hashes[level])
		}
		nk = nk.Parent()
		path[level+1] = nk
	}
	for level, nk := range path {
		if err := t.store.SetNode(&nk.Index, level, hashes[level]); err != nil {
			return err
		}
	}
	return nil
}

// GetWitness collects the authentication path of key.
func (t *SparseMerkleTree) GetWitness(key *uint256.Int) (*MerkleWitness, error) {
	if err := CheckLeafKey(key, t.height); err != nil {
		return nil, err
	}
	w := &MerkleWitness{
		Path:   make([]common.Hash, t.height-1),
		IsLeft: make([]bool, t.height-1),
	}
	nk := LeafPathKey(key, 0)
	for level := 0; level < t.height-1; level++ {
		sib := nk.Sibling()
		sibling, err := t.store.GetNode(&sib.Index, level)
		if err != nil {
			return nil, errors.Wrapf(err, "sibling of %s", nk)
		}
		w.Path[level] = sibling
		w.IsLeft[level] = nk.IsLeft()
		nk = nk.Parent()
	}
	return w, nil
}
