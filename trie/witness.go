package trie

import (
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/holiman/uint256"
)

// MerkleWitness is the authentication path of a leaf: the sibling at every
// level below the root and whether the path node at that level is a left
// child.
type MerkleWitness struct {
	Path   []common.Hash `json:"path"`
	IsLeft []bool        `json:"isLeft"`
}

// Height of the tree the witness belongs to.
func (w *MerkleWitness) Height() int { return len(w.Path) + 1 }

// CalculateRoot folds leaf up the path.
func (w *MerkleWitness) CalculateRoot(leaf common.Hash) common.Hash {
	h := leaf
	for i, sibling := range w.Path {
		if w.IsLeft[i] {
			h = crypto.NodeHash(h, sibling)
		} else {
			h = crypto.NodeHash(sibling, h)
		}
	}
	return h
}

// CalculateIndex recovers the leaf key the witness was taken for.
func (w *MerkleWitness) CalculateIndex() *uint256.Int {
	idx := new(uint256.Int)
	var bit uint256.Int
	for i := len(w.IsLeft) - 1; i >= 0; i-- {
		idx.Lsh(idx, 1)
		if !w.IsLeft[i] {
			bit.SetOne()
			idx.Or(idx, &bit)
		}
	}
	return idx
}
