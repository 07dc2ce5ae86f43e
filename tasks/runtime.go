package tasks

import (
	"context"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/pkg/errors"
)

// RuntimeProvingTask proves the execution of a single transaction.
type RuntimeProvingTask struct{ stage }

func (t *RuntimeProvingTask) Name() string { return RuntimeProvingName }

func (t *RuntimeProvingTask) InputSerializer() taskqueue.Serializer[RuntimeInput] {
	return taskqueue.JSONSerializer[RuntimeInput]{}
}

func (t *RuntimeProvingTask) ResultSerializer() taskqueue.Serializer[*RuntimeProof] {
	return taskqueue.JSONSerializer[*RuntimeProof]{}
}

func (t *RuntimeProvingTask) Compute(ctx context.Context, in RuntimeInput) (*RuntimeProof, error) {
	if in.Tx == nil || in.Tx.Tx == nil {
		return nil, errors.Wrap(ErrMalformedInput, "missing transaction")
	}
	if err := in.Tx.Tx.VerifySignature(); err != nil {
		return nil, err
	}
	if !in.Tx.Status && len(in.Tx.StateTransitions) > 0 {
		return nil, errors.Wrap(ErrMalformedInput, "failed transaction with runtime transitions")
	}
	out := &RuntimeProof{
		TxHash:           in.Tx.Tx.Hash(),
		Status:           in.Tx.Status,
		TransitionsHash:  types.StateTransitionsHash(common.Hash{}, in.Tx.StateTransitions),
		NetworkStateHash: in.NetworkState.Hash(),
	}
	var err error
	if out.Proof, err = t.prover.Prove(ctx, RuntimeCircuit, out.publicInput(), witnessBlob(in)); err != nil {
		return nil, errors.Wrap(err, "prove runtime")
	}
	return out, nil
}
