package runtime

import (
	"context"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/trie"
)

type slot struct {
	from    types.Option
	to      types.Option
	written bool
}

// ExecutionContext is the state view of one execution phase. Reads resolve
// through the phase's own writes, then the previous phase, then the tree;
// paths are preloaded on first access. Writes stay in the context and come
// out as state transitions.
type ExecutionContext struct {
	ctx     context.Context
	runtime *Runtime
	cache   *trie.CachedMerkleTreeStore
	parent  *ExecutionContext

	Network types.NetworkState
	Tx      *types.PendingTransaction

	slots map[common.Hash]*slot
	order []common.Hash
}

func newExecutionContext(ctx context.Context, r *Runtime, cache *trie.CachedMerkleTreeStore, network types.NetworkState, tx *types.PendingTransaction, parent *ExecutionContext) *ExecutionContext {
	return &ExecutionContext{
		ctx:     ctx,
		runtime: r,
		cache:   cache,
		parent:  parent,
		Network: network,
		Tx:      tx,
		slots:   make(map[common.Hash]*slot),
	}
}

// Context returns the context of the block being built.
func (e *ExecutionContext) Context() context.Context { return e.ctx }

// Sender of the transaction.
func (e *ExecutionContext) Sender() common.PublicKey { return e.Tx.Sender }

// Path derives a state path, see Runtime.Path.
func (e *ExecutionContext) Path(module, field string, keys ...common.Hash) common.Hash {
	return e.runtime.Path(module, field, keys...)
}

// current resolves the value of path visible to this context.
func (e *ExecutionContext) current(path common.Hash) (types.Option, error) {
	for c := e; c != nil; c = c.parent {
		if s, ok := c.slots[path]; ok {
			if s.written {
				return s.to, nil
			}
			return s.from, nil
		}
	}
	key := path.Uint256()
	if err := e.cache.PreloadKey(e.ctx, key); err != nil {
		return types.Option{}, err
	}
	leaf, err := e.cache.Tree().GetLeaf(key)
	if err != nil {
		return types.Option{}, err
	}
	if leaf.IsZero() {
		return types.None(), nil
	}
	return types.Some(leaf), nil
}

func (e *ExecutionContext) touch(path common.Hash) (*slot, error) {
	if s, ok := e.slots[path]; ok {
		return s, nil
	}
	v, err := e.current(path)
	if err != nil {
		return nil, err
	}
	s := &slot{from: v}
	e.slots[path] = s
	e.order = append(e.order, path)
	return s, nil
}

// Get reads the value at path.
func (e *ExecutionContext) Get(path common.Hash) (types.Option, error) {
	s, err := e.touch(path)
	if err != nil {
		return types.Option{}, err
	}
	if s.written {
		return s.to, nil
	}
	return s.from, nil
}

// Set writes value at path. Writing the zero word clears the path.
func (e *ExecutionContext) Set(path common.Hash, value common.Hash) error {
	s, err := e.touch(path)
	if err != nil {
		return err
	}
	s.written = true
	if value.IsZero() {
		s.to = types.None()
	} else {
		s.to = types.Some(value)
	}
	return nil
}

// Transitions returns one transition per touched path in first access order.
// Paths that were only read become read assertions.
func (e *ExecutionContext) Transitions() []types.StateTransition {
	out := make([]types.StateTransition, 0, len(e.order))
	for _, path := range e.order {
		s := e.slots[path]
		st := types.StateTransition{Path: path, From: s.from}
		if s.written {
			st.To = s.to
			// cleared slots are written as the zero word
			if !st.To.IsSome {
				st.To = types.Some(common.Hash{})
			}
		}
		out = append(out, st)
	}
	return out
}
