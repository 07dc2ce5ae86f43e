// Package tasks holds the stages of the block proving pipeline. Each stage is
// a taskqueue.Task, so it can run inside the sequencer or on a remote worker.
//
// Stages and the data they exchange:
//
//	runtime-proving     RuntimeInput         -> RuntimeProof    one per transaction
//	transition-proving  TransitionChunk      -> TransitionProof one per chunk of transitions
//	reduction           Pair[TransitionProof] -> TransitionProof
//	block-building      BlockBuildingInput   -> BlockStep       one per transaction
//	block-reduction     Pair[BlockStep]      -> BlockStep
//	block-proving       BlockProvingInput    -> types.Proof     one per block
package tasks

import (
	"context"
	"encoding/json"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/prover"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/pkg/errors"
)

// Queue names of the stages.
const (
	RuntimeProvingName    = "runtime-proving"
	TransitionProvingName = "transition-proving"
	ReductionName         = "reduction"
	BlockBuildingName     = "block-building"
	BlockReductionName    = "block-reduction"
	BlockProvingName      = "block-proving"
)

// Circuits the stages prove with.
const (
	RuntimeCircuit         = "runtime"
	TransitionCircuit      = "state-transition"
	TransitionMergeCircuit = "state-transition-merge"
	BlockCircuit           = "block-transaction"
	BlockMergeCircuit      = "block-transaction-merge"
	BlockProofCircuit      = "block"
)

var (
	ErrWitnessMismatch = errors.New("witness does not match transition path")
	ErrRootMismatch    = errors.New("state root mismatch")
	ErrNotContinuous   = errors.New("proofs are not continuous")
	ErrMalformedInput  = errors.New("malformed task input")
	ErrHeaderMismatch  = errors.New("block header does not match its proofs")
)

// TransitionChunk is a run of consecutive state transitions together with the
// witness of each, taken right before it was applied.
type TransitionChunk struct {
	FromRoot    common.Hash             `json:"fromRoot"`
	FromHash    common.Hash             `json:"fromHash"`
	Transitions []types.StateTransition `json:"transitions"`
	Witnesses   []*trie.MerkleWitness   `json:"witnesses"`
}

// TransitionProof attests that applying a run of transitions moves the state
// root from FromRoot to ToRoot and the transition hash chain from FromHash to
// ToHash.
type TransitionProof struct {
	FromRoot common.Hash  `json:"fromRoot"`
	ToRoot   common.Hash  `json:"toRoot"`
	FromHash common.Hash  `json:"fromHash"`
	ToHash   common.Hash  `json:"toHash"`
	Proof    *types.Proof `json:"proof"`
}

func (p *TransitionProof) publicInput() []byte {
	return publicInput(p.FromRoot, p.ToRoot, p.FromHash, p.ToHash)
}

// RuntimeInput is the execution of one transaction to be proven.
type RuntimeInput struct {
	Tx           *types.ComputedBlockTransaction `json:"tx"`
	NetworkState types.NetworkState              `json:"networkState"`
}

// RuntimeProof attests the outcome of running a transaction's method.
type RuntimeProof struct {
	TxHash           common.Hash  `json:"txHash"`
	Status           bool         `json:"status"`
	TransitionsHash  common.Hash  `json:"transitionsHash"`
	NetworkStateHash common.Hash  `json:"networkStateHash"`
	Proof            *types.Proof `json:"proof"`
}

func (p *RuntimeProof) publicInput() []byte {
	return publicInput(p.TxHash, boolHash(p.Status), p.TransitionsHash, p.NetworkStateHash)
}

// BlockBuildingInput places one transaction in its block: the hash chains
// of the block's transactions and transitions as they stand before it.
type BlockBuildingInput struct {
	Tx                  *types.ComputedBlockTransaction `json:"tx"`
	Runtime             *RuntimeProof                   `json:"runtime"`
	NetworkState        types.NetworkState              `json:"networkState"`
	FromTxHash          common.Hash                     `json:"fromTxHash"`
	FromTransitionsHash common.Hash                     `json:"fromTransitionsHash"`
}

// BlockStep attests the inclusion of a run of consecutive transactions.
type BlockStep struct {
	FromTxHash          common.Hash  `json:"fromTxHash"`
	ToTxHash            common.Hash  `json:"toTxHash"`
	FromTransitionsHash common.Hash  `json:"fromTransitionsHash"`
	ToTransitionsHash   common.Hash  `json:"toTransitionsHash"`
	NetworkStateHash    common.Hash  `json:"networkStateHash"`
	Transactions        int          `json:"transactions"`
	Proof               *types.Proof `json:"proof"`
}

func (s *BlockStep) publicInput() []byte {
	return publicInput(s.FromTxHash, s.ToTxHash, s.FromTransitionsHash, s.ToTransitionsHash,
		s.NetworkStateHash, common.Uint64ToHash(uint64(s.Transactions)))
}

// BlockProvingInput is a sealed header with the aggregates of its
// transactions and transitions. Both aggregates are nil for an empty block.
type BlockProvingInput struct {
	Header      *types.Block     `json:"header"`
	Steps       *BlockStep       `json:"steps,omitempty"`
	Transitions *TransitionProof `json:"transitions,omitempty"`
}

func publicInput(hashes ...common.Hash) []byte {
	out := make([]byte, 0, len(hashes)*common.HashLength)
	for _, h := range hashes {
		out = append(out, h.Bytes()...)
	}
	return out
}

func boolHash(b bool) common.Hash {
	if b {
		return common.Uint64ToHash(1)
	}
	return common.Hash{}
}

// witnessBlob is what a stage hands the prover as private input.
func witnessBlob(v any) []byte {
	enc, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return enc
}

// verifyProof checks proof against publicInput, accepting any of circuits.
func verifyProof(ctx context.Context, p prover.Prover, proof *types.Proof, publicInput []byte, circuits ...string) error {
	if proof == nil {
		return errors.Wrap(ErrMalformedInput, "missing proof")
	}
	for _, c := range circuits {
		if proof.CircuitID == c {
			return prover.VerifyFor(ctx, p, proof, c, publicInput)
		}
	}
	return errors.Wrapf(prover.ErrCircuitMismatch, "got %s", proof.CircuitID)
}

// stage carries what every task shares.
type stage struct {
	prover prover.Prover
	logger *log.Logger
}

func (s stage) Prepare(ctx context.Context) error { return nil }

// Pipeline bundles one instance of every stage.
type Pipeline struct {
	RuntimeProving    *RuntimeProvingTask
	TransitionProving *TransitionProvingTask
	Reduction         *ReductionTask
	BlockBuilding     *BlockBuildingTask
	BlockReduction    *BlockReductionTask
	BlockProving      *BlockProvingTask
}

func NewPipeline(p prover.Prover, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Global
	}
	s := stage{prover: p, logger: logger}
	return &Pipeline{
		RuntimeProving:    &RuntimeProvingTask{s},
		TransitionProving: &TransitionProvingTask{s},
		Reduction:         &ReductionTask{s},
		BlockBuilding:     &BlockBuildingTask{s},
		BlockReduction:    &BlockReductionTask{s},
		BlockProving:      &BlockProvingTask{s},
	}
}

// Runnables returns every stage ready to be registered with a worker pool.
func (p *Pipeline) Runnables() []taskqueue.Runnable {
	return []taskqueue.Runnable{
		taskqueue.Bind[RuntimeInput, *RuntimeProof](p.RuntimeProving),
		taskqueue.Bind[TransitionChunk, *TransitionProof](p.TransitionProving),
		taskqueue.Bind[taskqueue.Pair[*TransitionProof], *TransitionProof](p.Reduction),
		taskqueue.Bind[BlockBuildingInput, *BlockStep](p.BlockBuilding),
		taskqueue.Bind[taskqueue.Pair[*BlockStep], *BlockStep](p.BlockReduction),
		taskqueue.Bind[BlockProvingInput, *types.Proof](p.BlockProving),
	}
}
