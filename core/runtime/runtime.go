// Package runtime executes transactions against the state tree. Modules
// register methods keyed by the keccak hash of "module.method"; a protocol
// hook runs before every method and maintains account nonces.
package runtime

import (
	"context"
	"sort"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/pkg/errors"
)

// MethodFunc runs a method. Returning an error fails the transaction; its
// state writes are discarded but it is still included.
type MethodFunc func(ctx *ExecutionContext, args []common.Hash) error

// Method is a callable of a runtime module.
type Method struct {
	Fn MethodFunc
	// Args is the exact number of arguments the method takes.
	Args int
}

// Module groups methods under a name.
type Module interface {
	Name() string
	Methods() map[string]Method
}

// MethodID returns the id transactions use to call module.method.
func MethodID(module, method string) common.Hash {
	return crypto.Keccak256Hash([]byte(module + "." + method))
}

type registeredMethod struct {
	Method
	name string
}

// Runtime is the registry of every module method.
type Runtime struct {
	height  int
	methods map[common.Hash]registeredMethod
	logger  *log.Logger
}

// New registers the methods of modules for a state tree of the given height.
func New(height int, logger *log.Logger, modules ...Module) (*Runtime, error) {
	if err := trie.ValidateHeight(height); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Global
	}
	r := &Runtime{
		height:  height,
		methods: make(map[common.Hash]registeredMethod),
		logger:  logger,
	}
	for _, module := range modules {
		for name, m := range module.Methods() {
			full := module.Name() + "." + name
			id := MethodID(module.Name(), name)
			if _, ok := r.methods[id]; ok {
				return nil, errors.Wrap(ErrDuplicateMethod, full)
			}
			r.methods[id] = registeredMethod{Method: m, name: full}
		}
	}
	return r, nil
}

// Height of the state tree paths are mapped into.
func (r *Runtime) Height() int { return r.height }

// Lookup finds a registered method and its "module.method" name.
func (r *Runtime) Lookup(id common.Hash) (Method, string, bool) {
	m, ok := r.methods[id]
	return m.Method, m.name, ok
}

// MethodNames lists every registered method, sorted.
func (r *Runtime) MethodNames() []string {
	names := make([]string, 0, len(r.methods))
	for _, m := range r.methods {
		names = append(names, m.name)
	}
	sort.Strings(names)
	return names
}

// Path derives the state path of a module field, optionally keyed.
func (r *Runtime) Path(module, field string, keys ...common.Hash) common.Hash {
	parts := make([][]byte, 0, len(keys)+1)
	parts = append(parts, []byte(module+"."+field))
	for i := range keys {
		parts = append(parts, keys[i][:])
	}
	return trie.LeafKeyHash(crypto.Keccak256Hash(parts...), r.height)
}

// Execute runs tx against the tree held by cache. The protocol hook runs
// first; ErrNonceTooLow and ErrNonceTooHigh mean the transaction cannot be
// included in this block. A failing method still yields a result, with
// Status false and only the protocol transitions.
func (r *Runtime) Execute(ctx context.Context, cache *trie.CachedMerkleTreeStore, network types.NetworkState, tx *types.PendingTransaction) (*types.ComputedBlockTransaction, error) {
	protocol := newExecutionContext(ctx, r, cache, network, tx, nil)
	if err := r.incrementNonce(protocol); err != nil {
		return nil, err
	}

	result := &types.ComputedBlockTransaction{
		Tx:                  tx,
		ProtocolTransitions: protocol.Transitions(),
		StateTransitions:    []types.StateTransition{},
	}

	method, name, ok := r.Lookup(tx.MethodID)
	if !ok {
		result.StatusMessage = ErrUnknownMethod.Error()
		return result, nil
	}
	if len(tx.Args) != method.Args {
		result.StatusMessage = ErrArgumentCount.Error()
		return result, nil
	}

	exec := newExecutionContext(ctx, r, cache, network, tx, protocol)
	if err := method.Fn(exec, tx.Args); err != nil {
		// store errors are not a failure of the transaction
		if errors.Is(err, trie.ErrNodeNotPreloaded) || ctx.Err() != nil {
			return nil, err
		}
		result.StatusMessage = err.Error()
		r.logger.WithFields(log.Fields{
			"hash":   tx.Hash(),
			"method": name,
			"err":    err,
		}).Debug("Runtime method failed")
		return result, nil
	}
	result.Status = true
	result.StateTransitions = exec.Transitions()
	return result, nil
}
