package types

import (
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
)

// NetworkState is the read-only context every transaction of a block runs
// against. It advances by exactly one block per production cycle.
type NetworkState struct {
	Block    CurrentBlock  `json:"block"`
	Previous PreviousBlock `json:"previous"`
}

type CurrentBlock struct {
	Height uint64 `json:"height"`
}

type PreviousBlock struct {
	RootHash  common.Hash `json:"rootHash"`
	BlockHash common.Hash `json:"blockHash"`
}

func (ns NetworkState) Hash() common.Hash {
	return crypto.KeccakHashes(common.Uint64ToHash(ns.Block.Height), ns.Previous.RootHash, ns.Previous.BlockHash)
}

// Next returns the state the block after ns runs in, given the sealed
// block it follows.
func (ns NetworkState) Next(rootHash, blockHash common.Hash) NetworkState {
	return NetworkState{
		Block:    CurrentBlock{Height: ns.Block.Height + 1},
		Previous: PreviousBlock{RootHash: rootHash, BlockHash: blockHash},
	}
}
