package tasks

import (
	"context"
	"os"
	"testing"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/prover"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/dominant-strategies/go-sequencer/worker"
	"github.com/stretchr/testify/require"
)

const testHeight = 16

func TestMain(m *testing.M) {
	log.ConfigureLogger(log.WithNullLogger())
	os.Exit(m.Run())
}

type step struct {
	root    common.Hash
	st      types.StateTransition
	witness *trie.MerkleWitness
}

// applyTransitions writes n transitions into a fresh tree, recording the
// witness and root before each, the way block production does.
func applyTransitions(t *testing.T, n int) ([]step, common.Hash) {
	t.Helper()
	tree, err := trie.NewSparseMerkleTree(trie.NewMemoryMerkleTreeStore(), testHeight)
	require.NoError(t, err)
	var steps []step
	for i := 0; i < n; i++ {
		// paths repeat after five transitions, every fourth one only reads
		path := trie.LeafKeyHash(common.Uint64ToHash(uint64(i%5)), testHeight)
		key := path.Uint256()
		prev, err := tree.GetLeaf(key)
		require.NoError(t, err)
		root, err := tree.GetRoot()
		require.NoError(t, err)
		w, err := tree.GetWitness(key)
		require.NoError(t, err)

		st := types.StateTransition{Path: path, From: types.None(), To: types.Some(common.Uint64ToHash(uint64(100 + i)))}
		if !prev.IsZero() {
			st.From = types.Some(prev)
		}
		if i%4 == 3 {
			st.To = types.None()
		} else {
			require.NoError(t, tree.SetLeaf(key, st.To.Value))
		}
		steps = append(steps, step{root: root, st: st, witness: w})
	}
	root, err := tree.GetRoot()
	require.NoError(t, err)
	return steps, root
}

func chunk(steps []step) TransitionChunk {
	c := TransitionChunk{FromRoot: steps[0].root}
	for _, s := range steps {
		c.Transitions = append(c.Transitions, s.st)
		c.Witnesses = append(c.Witnesses, s.witness)
	}
	return c
}

func TestApplyChunk(t *testing.T) {
	steps, root := applyTransitions(t, 6)
	out, err := ApplyChunk(chunk(steps))
	require.NoError(t, err)
	require.Equal(t, steps[0].root, out.FromRoot)
	require.Equal(t, root, out.ToRoot)

	var sts []types.StateTransition
	for _, s := range steps {
		sts = append(sts, s.st)
	}
	require.Equal(t, types.StateTransitionsHash(common.Hash{}, sts), out.ToHash)

	bad := chunk(steps)
	bad.Transitions[2].From = types.Some(common.Uint64ToHash(999))
	_, err = ApplyChunk(bad)
	require.ErrorIs(t, err, ErrRootMismatch)

	bad = chunk(steps)
	bad.Witnesses[1] = bad.Witnesses[0]
	_, err = ApplyChunk(bad)
	require.Error(t, err)

	bad = chunk(steps)
	bad.Witnesses = bad.Witnesses[:2]
	_, err = ApplyChunk(bad)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func startPipeline(t *testing.T) (*Pipeline, *taskqueue.Coordinator) {
	t.Helper()
	tq := taskqueue.NewLocalTaskQueue(0, nil)
	pipeline := NewPipeline(prover.NewSimulatedProver(0), nil)
	pool, err := worker.NewPool(tq, worker.Config{Concurrency: 3}, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Register(pipeline.Runnables()...))
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		pool.Close()
		tq.Close()
	})
	return pipeline, taskqueue.NewCoordinator(tq, taskqueue.DefaultCoordinatorConfig, nil)
}

// Proving transitions one chunk at a time and reducing pairwise ends where
// a single pass over all of them does.
func TestTransitionReductionMatchesSinglePass(t *testing.T) {
	pipeline, c := startPipeline(t)
	for _, n := range []int{1, 2, 3, 5, 8} {
		steps, _ := applyTransitions(t, n)
		single, err := ApplyChunk(chunk(steps))
		require.NoError(t, err)

		chunks := make([]TransitionChunk, n)
		chain := common.Hash{}
		for i := range steps {
			chunks[i] = chunk(steps[i : i+1])
			chunks[i].FromHash = chain
			chain = types.StateTransitionsHash(chain, chunks[i].Transitions)
		}

		f := c.NewFlow(context.Background())
		proofs, err := taskqueue.RunTasks[TransitionChunk, *TransitionProof](f, pipeline.TransitionProving, chunks)
		require.NoError(t, err, "n=%d", n)
		agg, err := taskqueue.Reduce[*TransitionProof](f, pipeline.Reduction, proofs)
		f.Close()
		require.NoError(t, err, "n=%d", n)

		require.Equal(t, single.FromRoot, agg.FromRoot, "n=%d", n)
		require.Equal(t, single.ToRoot, agg.ToRoot, "n=%d", n)
		require.Equal(t, single.ToHash, agg.ToHash, "n=%d", n)
		if n > 1 {
			require.Equal(t, TransitionMergeCircuit, agg.Proof.CircuitID)
		}
	}
}

func TestReductionRejectsGaps(t *testing.T) {
	steps, _ := applyTransitions(t, 3)
	a, err := ApplyChunk(chunk(steps[:1]))
	require.NoError(t, err)
	c, err := ApplyChunk(chunk(steps[2:]))
	require.NoError(t, err)
	_, err = MergeTransitions(a, c)
	require.ErrorIs(t, err, ErrNotContinuous)
}

func TestEmptyBlockProof(t *testing.T) {
	pipeline := NewPipeline(prover.NewSimulatedProver(0), nil)
	empty := trie.EmptyRoot(testHeight)
	header := (&types.Block{
		Height:             0,
		NetworkStateDuring: types.NetworkState{Previous: types.PreviousBlock{RootHash: empty}},
		FromStateRoot:      empty,
		ToStateRoot:        empty,
	}).Seal()

	proof, err := pipeline.BlockProving.Compute(context.Background(), BlockProvingInput{Header: header})
	require.NoError(t, err)
	require.NoError(t, prover.VerifyFor(context.Background(), prover.NewSimulatedProver(0), proof, BlockProofCircuit, BlockPublicInput(header)))

	header.ToStateRoot = common.Uint64ToHash(1)
	header.Seal()
	_, err = pipeline.BlockProving.Compute(context.Background(), BlockProvingInput{Header: header})
	require.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestBlockProvingRejectsForgedProofs(t *testing.T) {
	pipeline := NewPipeline(prover.NewSimulatedProver(0), nil)
	steps, _ := applyTransitions(t, 2)
	agg, err := pipeline.TransitionProving.Compute(context.Background(), chunk(steps))
	require.NoError(t, err)
	agg.Proof.CircuitID = RuntimeCircuit

	header := (&types.Block{
		FromStateRoot:        agg.FromRoot,
		ToStateRoot:          agg.ToRoot,
		StateTransitionsHash: agg.ToHash,
	}).Seal()
	_, err = pipeline.BlockProving.Compute(context.Background(), BlockProvingInput{Header: header, Transitions: agg})
	require.ErrorIs(t, err, prover.ErrCircuitMismatch)
}
