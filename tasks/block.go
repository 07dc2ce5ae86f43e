package tasks

import (
	"context"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/pkg/errors"
)

// BuildStep computes the step of one transaction without proving it.
func BuildStep(in BlockBuildingInput) (*BlockStep, error) {
	if in.Tx == nil || in.Tx.Tx == nil || in.Runtime == nil {
		return nil, errors.Wrap(ErrMalformedInput, "missing transaction or runtime proof")
	}
	txHash := in.Tx.Tx.Hash()
	switch {
	case in.Runtime.TxHash != txHash:
		return nil, errors.Wrap(ErrMalformedInput, "runtime proof is for another transaction")
	case in.Runtime.Status != in.Tx.Status:
		return nil, errors.Wrap(ErrMalformedInput, "runtime proof status differs")
	case in.Runtime.TransitionsHash != types.StateTransitionsHash(common.Hash{}, in.Tx.StateTransitions):
		return nil, errors.Wrap(ErrMalformedInput, "runtime proof transitions differ")
	case in.Runtime.NetworkStateHash != in.NetworkState.Hash():
		return nil, errors.Wrap(ErrMalformedInput, "runtime proof network state differs")
	}
	return &BlockStep{
		FromTxHash:          in.FromTxHash,
		ToTxHash:            types.ChainHashes(in.FromTxHash, txHash),
		FromTransitionsHash: in.FromTransitionsHash,
		ToTransitionsHash:   types.StateTransitionsHash(in.FromTransitionsHash, in.Tx.AllTransitions()),
		NetworkStateHash:    in.NetworkState.Hash(),
		Transactions:        1,
	}, nil
}

// BlockBuildingTask proves the inclusion of one transaction, consuming its
// runtime proof.
type BlockBuildingTask struct{ stage }

func (t *BlockBuildingTask) Name() string { return BlockBuildingName }

func (t *BlockBuildingTask) InputSerializer() taskqueue.Serializer[BlockBuildingInput] {
	return taskqueue.JSONSerializer[BlockBuildingInput]{}
}

func (t *BlockBuildingTask) ResultSerializer() taskqueue.Serializer[*BlockStep] {
	return taskqueue.JSONSerializer[*BlockStep]{}
}

func (t *BlockBuildingTask) Compute(ctx context.Context, in BlockBuildingInput) (*BlockStep, error) {
	out, err := BuildStep(in)
	if err != nil {
		return nil, err
	}
	if err := verifyProof(ctx, t.prover, in.Runtime.Proof, in.Runtime.publicInput(), RuntimeCircuit); err != nil {
		return nil, err
	}
	if out.Proof, err = t.prover.Prove(ctx, BlockCircuit, out.publicInput(), witnessBlob(in)); err != nil {
		return nil, errors.Wrap(err, "prove block transaction")
	}
	return out, nil
}

// MergeSteps joins two adjacent block steps without proving.
func MergeSteps(a, b *BlockStep) (*BlockStep, error) {
	if a == nil || b == nil {
		return nil, errors.Wrap(ErrMalformedInput, "missing block step")
	}
	if a.ToTxHash != b.FromTxHash || a.ToTransitionsHash != b.FromTransitionsHash || a.NetworkStateHash != b.NetworkStateHash {
		return nil, ErrNotContinuous
	}
	return &BlockStep{
		FromTxHash:          a.FromTxHash,
		ToTxHash:            b.ToTxHash,
		FromTransitionsHash: a.FromTransitionsHash,
		ToTransitionsHash:   b.ToTransitionsHash,
		NetworkStateHash:    a.NetworkStateHash,
		Transactions:        a.Transactions + b.Transactions,
	}, nil
}

// BlockReductionTask merges two adjacent block steps.
type BlockReductionTask struct{ stage }

func (t *BlockReductionTask) Name() string { return BlockReductionName }

func (t *BlockReductionTask) InputSerializer() taskqueue.Serializer[taskqueue.Pair[*BlockStep]] {
	return taskqueue.JSONSerializer[taskqueue.Pair[*BlockStep]]{}
}

func (t *BlockReductionTask) ResultSerializer() taskqueue.Serializer[*BlockStep] {
	return taskqueue.JSONSerializer[*BlockStep]{}
}

func (t *BlockReductionTask) Compute(ctx context.Context, in taskqueue.Pair[*BlockStep]) (*BlockStep, error) {
	out, err := MergeSteps(in.First, in.Second)
	if err != nil {
		return nil, err
	}
	for _, s := range []*BlockStep{in.First, in.Second} {
		if err := verifyProof(ctx, t.prover, s.Proof, s.publicInput(), BlockCircuit, BlockMergeCircuit); err != nil {
			return nil, err
		}
	}
	if out.Proof, err = t.prover.Prove(ctx, BlockMergeCircuit, out.publicInput(), witnessBlob(in)); err != nil {
		return nil, errors.Wrap(err, "prove block merge")
	}
	return out, nil
}

// BlockProvingTask produces the final proof of a block from the aggregate of
// its transactions and the aggregate of its state transitions.
type BlockProvingTask struct{ stage }

func (t *BlockProvingTask) Name() string { return BlockProvingName }

func (t *BlockProvingTask) InputSerializer() taskqueue.Serializer[BlockProvingInput] {
	return taskqueue.JSONSerializer[BlockProvingInput]{}
}

func (t *BlockProvingTask) ResultSerializer() taskqueue.Serializer[*types.Proof] {
	return taskqueue.JSONSerializer[*types.Proof]{}
}

// BlockPublicInput is what the final proof of header is bound to.
func BlockPublicInput(header *types.Block) []byte {
	return publicInput(header.Hash, header.FromStateRoot, header.ToStateRoot,
		header.TransactionsHash, header.StateTransitionsHash, header.NetworkStateDuring.Hash())
}

// CheckHeader verifies that header is consistent with the aggregates.
func CheckHeader(in BlockProvingInput) error {
	h := in.Header
	if h == nil {
		return errors.Wrap(ErrMalformedInput, "missing header")
	}
	if h.ComputeHash() != h.Hash {
		return errors.Wrap(ErrHeaderMismatch, "hash")
	}
	if h.NetworkStateDuring.Block.Height != h.Height {
		return errors.Wrap(ErrHeaderMismatch, "network state height")
	}

	if s := in.Steps; s == nil {
		if len(h.Transactions) != 0 || !h.TransactionsHash.IsZero() {
			return errors.Wrap(ErrHeaderMismatch, "transactions without a block step")
		}
	} else {
		switch {
		case !s.FromTxHash.IsZero() || !s.FromTransitionsHash.IsZero():
			return errors.Wrap(ErrHeaderMismatch, "block step does not start the block")
		case s.ToTxHash != h.TransactionsHash:
			return errors.Wrap(ErrHeaderMismatch, "transactions hash")
		case s.ToTransitionsHash != h.StateTransitionsHash:
			return errors.Wrap(ErrHeaderMismatch, "block step transitions hash")
		case s.NetworkStateHash != h.NetworkStateDuring.Hash():
			return errors.Wrap(ErrHeaderMismatch, "network state")
		case s.Transactions != len(h.Transactions):
			return errors.Wrap(ErrHeaderMismatch, "transaction count")
		}
	}

	if st := in.Transitions; st == nil {
		if !h.StateTransitionsHash.IsZero() || h.FromStateRoot != h.ToStateRoot {
			return errors.Wrap(ErrHeaderMismatch, "state changed without a transition proof")
		}
	} else {
		switch {
		case !st.FromHash.IsZero() || st.ToHash != h.StateTransitionsHash:
			return errors.Wrap(ErrHeaderMismatch, "transitions hash")
		case st.FromRoot != h.FromStateRoot || st.ToRoot != h.ToStateRoot:
			return errors.Wrap(ErrRootMismatch, "block roots")
		}
	}
	return nil
}

func (t *BlockProvingTask) Compute(ctx context.Context, in BlockProvingInput) (*types.Proof, error) {
	if err := CheckHeader(in); err != nil {
		return nil, err
	}
	if in.Steps != nil {
		if err := verifyProof(ctx, t.prover, in.Steps.Proof, in.Steps.publicInput(), BlockCircuit, BlockMergeCircuit); err != nil {
			return nil, err
		}
	}
	if in.Transitions != nil {
		if err := verifyProof(ctx, t.prover, in.Transitions.Proof, in.Transitions.publicInput(), TransitionCircuit, TransitionMergeCircuit); err != nil {
			return nil, err
		}
	}
	proof, err := t.prover.Prove(ctx, BlockProofCircuit, BlockPublicInput(in.Header), witnessBlob(in))
	if err != nil {
		return nil, errors.Wrap(err, "prove block")
	}
	t.logger.WithFields(log.Fields{
		"height": in.Header.Height,
		"hash":   in.Header.Hash,
		"txs":    len(in.Header.Transactions),
	}).Debug("Proved block")
	return proof, nil
}
