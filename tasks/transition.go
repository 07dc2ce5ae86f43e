package tasks

import (
	"context"

	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/pkg/errors"
)

// ApplyChunk replays a chunk against its witnesses and returns the state root
// and transition hash it ends at. Every witness must authenticate the From
// value of its transition under the running root.
func ApplyChunk(chunk TransitionChunk) (*TransitionProof, error) {
	if len(chunk.Witnesses) != len(chunk.Transitions) {
		return nil, errors.Wrapf(ErrMalformedInput, "%d transitions, %d witnesses", len(chunk.Transitions), len(chunk.Witnesses))
	}
	root := chunk.FromRoot
	chain := types.NewHashList(chunk.FromHash)
	for i, st := range chunk.Transitions {
		w := chunk.Witnesses[i]
		if w == nil || len(w.Path) != len(w.IsLeft) {
			return nil, errors.Wrapf(ErrMalformedInput, "witness %d", i)
		}
		if w.CalculateIndex().Cmp(st.PathKey()) != 0 {
			return nil, errors.Wrapf(ErrWitnessMismatch, "transition %d", i)
		}
		if w.CalculateRoot(st.From.Value) != root {
			return nil, errors.Wrapf(ErrRootMismatch, "transition %d from %s", i, st.From)
		}
		if st.IsWrite() {
			root = w.CalculateRoot(st.To.Value)
		}
		chain.Push(st.Hash())
	}
	return &TransitionProof{
		FromRoot: chunk.FromRoot,
		ToRoot:   root,
		FromHash: chunk.FromHash,
		ToHash:   chain.Commitment(),
	}, nil
}

// TransitionProvingTask proves a chunk of state transitions.
type TransitionProvingTask struct{ stage }

func (t *TransitionProvingTask) Name() string { return TransitionProvingName }

func (t *TransitionProvingTask) InputSerializer() taskqueue.Serializer[TransitionChunk] {
	return taskqueue.JSONSerializer[TransitionChunk]{}
}

func (t *TransitionProvingTask) ResultSerializer() taskqueue.Serializer[*TransitionProof] {
	return taskqueue.JSONSerializer[*TransitionProof]{}
}

func (t *TransitionProvingTask) Compute(ctx context.Context, chunk TransitionChunk) (*TransitionProof, error) {
	out, err := ApplyChunk(chunk)
	if err != nil {
		return nil, err
	}
	if out.Proof, err = t.prover.Prove(ctx, TransitionCircuit, out.publicInput(), witnessBlob(chunk)); err != nil {
		return nil, errors.Wrap(err, "prove transitions")
	}
	t.logger.WithFields(log.Fields{
		"transitions": len(chunk.Transitions),
		"fromRoot":    out.FromRoot,
		"toRoot":      out.ToRoot,
	}).Trace("Proved transition chunk")
	return out, nil
}

// MergeTransitions joins two adjacent transition proofs without proving.
func MergeTransitions(a, b *TransitionProof) (*TransitionProof, error) {
	if a == nil || b == nil {
		return nil, errors.Wrap(ErrMalformedInput, "missing transition proof")
	}
	if a.ToRoot != b.FromRoot || a.ToHash != b.FromHash {
		return nil, errors.Wrapf(ErrNotContinuous, "root %s -> %s, hash %s -> %s",
			a.ToRoot.TerminalString(), b.FromRoot.TerminalString(), a.ToHash.TerminalString(), b.FromHash.TerminalString())
	}
	return &TransitionProof{FromRoot: a.FromRoot, ToRoot: b.ToRoot, FromHash: a.FromHash, ToHash: b.ToHash}, nil
}

// ReductionTask merges two adjacent transition proofs. The left operand must
// end where the right one starts.
type ReductionTask struct{ stage }

func (t *ReductionTask) Name() string { return ReductionName }

func (t *ReductionTask) InputSerializer() taskqueue.Serializer[taskqueue.Pair[*TransitionProof]] {
	return taskqueue.JSONSerializer[taskqueue.Pair[*TransitionProof]]{}
}

func (t *ReductionTask) ResultSerializer() taskqueue.Serializer[*TransitionProof] {
	return taskqueue.JSONSerializer[*TransitionProof]{}
}

func (t *ReductionTask) Compute(ctx context.Context, in taskqueue.Pair[*TransitionProof]) (*TransitionProof, error) {
	out, err := MergeTransitions(in.First, in.Second)
	if err != nil {
		return nil, err
	}
	for _, p := range []*TransitionProof{in.First, in.Second} {
		if err := verifyProof(ctx, t.prover, p.Proof, p.publicInput(), TransitionCircuit, TransitionMergeCircuit); err != nil {
			return nil, err
		}
	}
	if out.Proof, err = t.prover.Prove(ctx, TransitionMergeCircuit, out.publicInput(), witnessBlob(in)); err != nil {
		return nil, errors.Wrap(err, "prove transition merge")
	}
	return out, nil
}
