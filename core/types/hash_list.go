package types

import (
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
)

// HashList is an append-only hash chain: every push replaces the commitment
// with keccak(commitment ‖ element). It is the shape of the mempool
// commitment and of the block's transaction and transition digests.
type HashList struct {
	commitment common.Hash
}

// NewHashList starts a chain at the given commitment.
func NewHashList(start common.Hash) *HashList {
	return &HashList{commitment: start}
}

// Push appends an element.
func (l *HashList) Push(element common.Hash) *HashList {
	l.commitment = crypto.KeccakHashes(l.commitment, element)
	return l
}

// Commitment returns the current head of the chain.
func (l *HashList) Commitment() common.Hash { return l.commitment }

// ChainHashes folds elements onto start.
func ChainHashes(start common.Hash, elements ...common.Hash) common.Hash {
	l := NewHashList(start)
	for _, e := range elements {
		l.Push(e)
	}
	return l.Commitment()
}
