package production

import (
	"context"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/common/future"
	"github.com/dominant-strategies/go-sequencer/core/runtime"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/taskqueue"
	"github.com/dominant-strategies/go-sequencer/tasks"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/pkg/errors"
)

// appliedTransition is one transition as it was written to the tree,
// together with the root and witness it was applied against.
type appliedTransition struct {
	root    common.Hash
	st      types.StateTransition
	witness *trie.MerkleWitness
}

// cycle is the state a production cycle carries from building to sealing.
type cycle struct {
	header  *types.Block
	virtual *trie.CachedMerkleTreeStore
	applied []appliedTransition
	dropped []common.Hash
}

// networkStates returns the network state before and during the block
// following parent. A nil parent means genesis.
func networkStates(parent *types.Block, fromRoot common.Hash) (before, during types.NetworkState) {
	if parent == nil {
		return types.NetworkState{}, types.NetworkState{Previous: types.PreviousBlock{RootHash: fromRoot}}
	}
	before = parent.NetworkStateDuring
	return before, before.Next(parent.ToStateRoot, parent.Hash)
}

// build executes the pending transactions against a virtual cache and
// assembles the header. It returns nil when there is nothing to produce.
func (p *BlockProducer) build(ctx context.Context) (*cycle, error) {
	height, err := p.storage.GetCurrentBlockHeight(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read block height")
	}
	var parent *types.Block
	if height > 0 {
		if parent, err = p.storage.GetBlockAt(ctx, height-1); err != nil {
			return nil, errors.Wrapf(err, "read parent block %d", height-1)
		}
	}

	pending, _ := p.mempool.GetTxs()
	if len(pending) == 0 && !p.config.AllowEmptyBlocks {
		return nil, nil
	}

	virtual := p.cache.Virtualize()
	if err := virtual.PreloadKeys(ctx, nil); err != nil {
		return nil, err
	}
	fromRoot, err := virtual.Root()
	if err != nil {
		return nil, err
	}
	before, during := networkStates(parent, fromRoot)
	if parent != nil && parent.ToStateRoot != fromRoot {
		virtual.Discard()
		return nil, errors.Wrapf(tasks.ErrRootMismatch, "tree root %s, parent root %s", fromRoot, parent.ToStateRoot)
	}

	work := &cycle{virtual: virtual}
	var included []*types.ComputedBlockTransaction
	for _, tx := range pending {
		computed, err := p.runtime.Execute(ctx, virtual, during, tx)
		switch {
		case errors.Is(err, runtime.ErrNonceTooLow):
			work.dropped = append(work.dropped, tx.Hash())
			continue
		case errors.Is(err, runtime.ErrNonceTooHigh):
			continue
		case err != nil:
			virtual.Discard()
			return nil, errors.Wrapf(err, "execute %s", tx.Hash())
		}
		if err := work.apply(ctx, computed.AllTransitions()); err != nil {
			virtual.Discard()
			return nil, err
		}
		included = append(included, computed)
	}

	if len(included) == 0 && !p.config.AllowEmptyBlocks {
		virtual.Discard()
		if n := p.mempool.RemoveTxs(work.dropped); n > 0 {
			p.logger.WithField("dropped", n).Debug("Dropped stale transactions")
		}
		return nil, nil
	}

	toRoot, err := virtual.Root()
	if err != nil {
		virtual.Discard()
		return nil, err
	}
	header := &types.Block{
		Height:             height,
		Transactions:       included,
		NetworkStateBefore: before,
		NetworkStateDuring: during,
		FromStateRoot:      fromRoot,
		ToStateRoot:        toRoot,
	}
	var (
		txHashes = make([]common.Hash, len(included))
		all      []types.StateTransition
	)
	for i, tx := range included {
		txHashes[i] = tx.Tx.Hash()
		all = append(all, tx.AllTransitions()...)
	}
	header.TransactionsHash = types.ChainHashes(common.Hash{}, txHashes...)
	header.StateTransitionsHash = types.StateTransitionsHash(common.Hash{}, all)
	if parent != nil {
		header.ParentHash = parent.Hash
	}
	work.header = header.Seal()

	p.logger.WithFields(log.Fields{
		"height":      height,
		"txs":         len(included),
		"dropped":     len(work.dropped),
		"skipped":     len(pending) - len(included) - len(work.dropped),
		"transitions": len(work.applied),
	}).Debug("Built block")
	return work, nil
}

// apply writes the transitions to the virtual tree one by one, recording the
// witness each was applied against.
func (c *cycle) apply(ctx context.Context, sts []types.StateTransition) error {
	tree := c.virtual.Tree()
	for _, st := range sts {
		key := st.PathKey()
		if err := c.virtual.PreloadKey(ctx, key); err != nil {
			return err
		}
		root, err := tree.GetRoot()
		if err != nil {
			return err
		}
		witness, err := tree.GetWitness(key)
		if err != nil {
			return err
		}
		if st.IsWrite() {
			if err := tree.SetLeaf(key, st.To.Value); err != nil {
				return errors.Wrapf(err, "apply %s", st)
			}
		}
		c.applied = append(c.applied, appliedTransition{root: root, st: st, witness: witness})
	}
	return nil
}

// chunks splits the applied transitions into transition-proving inputs of at
// most size transitions, each starting where the previous one ended.
func (c *cycle) chunks(size int) []tasks.TransitionChunk {
	var (
		out   []tasks.TransitionChunk
		chain common.Hash
	)
	for start := 0; start < len(c.applied); start += size {
		end := min(start+size, len(c.applied))
		chunk := tasks.TransitionChunk{FromRoot: c.applied[start].root, FromHash: chain}
		for _, a := range c.applied[start:end] {
			chunk.Transitions = append(chunk.Transitions, a.st)
			chunk.Witnesses = append(chunk.Witnesses, a.witness)
		}
		chain = types.StateTransitionsHash(chain, chunk.Transitions)
		out = append(out, chunk)
	}
	return out
}

// prove drives the proving pipeline for the cycle's block through flow.
// Runtime proofs and state transition proofs are independent and run side by
// side; block building needs the runtime proofs, block proving needs both.
func (p *BlockProducer) prove(flow *taskqueue.Flow, work *cycle) (*types.Proof, error) {
	header := work.header

	runtimeInputs := make([]tasks.RuntimeInput, len(header.Transactions))
	for i, tx := range header.Transactions {
		runtimeInputs[i] = tasks.RuntimeInput{Tx: tx, NetworkState: header.NetworkStateDuring}
	}
	runtimeCh := make(chan future.Result[[]*tasks.RuntimeProof], 1)
	go func() {
		proofs, err := taskqueue.RunTasks[tasks.RuntimeInput, *tasks.RuntimeProof](flow, p.pipeline.RuntimeProving, runtimeInputs)
		if err != nil {
			runtimeCh <- future.Err[[]*tasks.RuntimeProof](errors.Wrap(err, "runtime proving"))
			return
		}
		runtimeCh <- future.Ok(proofs)
	}()

	transitionCh := make(chan future.Result[*tasks.TransitionProof], 1)
	go func() {
		chunks := work.chunks(p.config.StateTransitionBatchSize)
		if len(chunks) == 0 {
			transitionCh <- future.Ok[*tasks.TransitionProof](nil)
			return
		}
		proofs, err := taskqueue.RunTasks[tasks.TransitionChunk, *tasks.TransitionProof](flow, p.pipeline.TransitionProving, chunks)
		if err != nil {
			transitionCh <- future.Err[*tasks.TransitionProof](errors.Wrap(err, "transition proving"))
			return
		}
		agg, err := taskqueue.Reduce[*tasks.TransitionProof](flow, p.pipeline.Reduction, proofs)
		if err != nil {
			transitionCh <- future.Err[*tasks.TransitionProof](errors.Wrap(err, "transition reduction"))
			return
		}
		transitionCh <- future.Ok(agg)
	}()

	runtimeProofs, err := future.Await(flow.Context(), runtimeCh)
	if err != nil {
		return nil, err
	}

	var steps *tasks.BlockStep
	if len(header.Transactions) > 0 {
		inputs := make([]tasks.BlockBuildingInput, len(header.Transactions))
		var txChain, stChain common.Hash
		for i, tx := range header.Transactions {
			inputs[i] = tasks.BlockBuildingInput{
				Tx:                  tx,
				Runtime:             runtimeProofs[i],
				NetworkState:        header.NetworkStateDuring,
				FromTxHash:          txChain,
				FromTransitionsHash: stChain,
			}
			txChain = types.ChainHashes(txChain, tx.Tx.Hash())
			stChain = types.StateTransitionsHash(stChain, tx.AllTransitions())
		}
		built, err := taskqueue.RunTasks[tasks.BlockBuildingInput, *tasks.BlockStep](flow, p.pipeline.BlockBuilding, inputs)
		if err != nil {
			return nil, errors.Wrap(err, "block building")
		}
		if steps, err = taskqueue.Reduce[*tasks.BlockStep](flow, p.pipeline.BlockReduction, built); err != nil {
			return nil, errors.Wrap(err, "block reduction")
		}
	}

	transitions, err := future.Await(flow.Context(), transitionCh)
	if err != nil {
		return nil, err
	}

	final, err := taskqueue.RunTasks[tasks.BlockProvingInput, *types.Proof](flow, p.pipeline.BlockProving, []tasks.BlockProvingInput{{
		Header:      header,
		Steps:       steps,
		Transitions: transitions,
	}})
	if err != nil {
		return nil, errors.Wrap(err, "block proving")
	}
	return final[0], nil
}
