package types

import (
	"encoding/json"
	"fmt"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/crypto"
)

// ComputedBlockTransaction is a transaction together with the outcome of
// executing it.
type ComputedBlockTransaction struct {
	Tx                  *PendingTransaction `json:"tx"`
	Status              bool                `json:"status"`
	StatusMessage       string              `json:"statusMessage,omitempty"`
	ProtocolTransitions []StateTransition   `json:"protocolTransitions"`
	StateTransitions    []StateTransition   `json:"stateTransitions"`
}

// AllTransitions returns protocol transitions followed by runtime ones, the
// order in which they are applied to the tree.
func (c *ComputedBlockTransaction) AllTransitions() []StateTransition {
	out := make([]StateTransition, 0, len(c.ProtocolTransitions)+len(c.StateTransitions))
	out = append(out, c.ProtocolTransitions...)
	return append(out, c.StateTransitions...)
}

// Block is an unproven block. It is immutable once Hash is set by Seal.
type Block struct {
	Height               uint64                      `json:"height"`
	Transactions         []*ComputedBlockTransaction `json:"transactions"`
	NetworkStateBefore   NetworkState                `json:"networkStateBefore"`
	NetworkStateDuring   NetworkState                `json:"networkStateDuring"`
	FromStateRoot        common.Hash                 `json:"fromStateRoot"`
	ToStateRoot          common.Hash                 `json:"toStateRoot"`
	TransactionsHash     common.Hash                 `json:"transactionsHash"`
	StateTransitionsHash common.Hash                 `json:"stateTransitionsHash"`
	ParentHash           common.Hash                 `json:"parentHash"`
	Hash                 common.Hash                 `json:"hash"`
}

// ComputeHash derives the block hash from the header fields.
func (b *Block) ComputeHash() common.Hash {
	return crypto.KeccakHashes(
		common.Uint64ToHash(b.Height),
		b.ParentHash,
		b.TransactionsHash,
		b.StateTransitionsHash,
		b.FromStateRoot,
		b.ToStateRoot,
		b.NetworkStateBefore.Hash(),
		b.NetworkStateDuring.Hash(),
	)
}

// Seal fixes the block hash.
func (b *Block) Seal() *Block {
	b.Hash = b.ComputeHash()
	return b
}

// TxHashes returns the hashes of the included transactions.
func (b *Block) TxHashes() common.Hashes {
	hashes := make(common.Hashes, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Tx.Hash()
	}
	return hashes
}

func (b *Block) String() string {
	return fmt.Sprintf("block{height: %d, hash: %s, txs: %d, root: %s}",
		b.Height, b.Hash.TerminalString(), len(b.Transactions), b.ToStateRoot.TerminalString())
}

// EncodeBlock and DecodeBlock are the storage encoding of blocks.
func EncodeBlock(b *Block) ([]byte, error) { return json.Marshal(b) }

func DecodeBlock(data []byte) (*Block, error) {
	b := new(Block)
	if err := json.Unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Proof is an opaque proof artifact together with the public input it was
// generated for.
type Proof struct {
	CircuitID   string      `json:"circuitId"`
	PublicInput []byte      `json:"publicInput"`
	Data        []byte      `json:"data"`
	Digest      common.Hash `json:"digest"`
}

// Batch is the proven artifact of one block.
type Batch struct {
	Height           uint64       `json:"height"`
	BlockHash        common.Hash  `json:"blockHash"`
	Proof            *Proof       `json:"proof"`
	SettlementTxHash *common.Hash `json:"settlementTxHash,omitempty"`
}

func (b *Batch) Settled() bool { return b.SettlementTxHash != nil }

func EncodeBatch(b *Batch) ([]byte, error) { return json.Marshal(b) }

func DecodeBatch(data []byte) (*Batch, error) {
	b := new(Batch)
	if err := json.Unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}
