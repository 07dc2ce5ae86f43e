package runtime

import (
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/common/fixedint"
	"github.com/pkg/errors"
)

// Balances is a fungible token ledger with 64 bit balances.
type Balances struct{}

func (Balances) Name() string { return "balances" }

func (b Balances) Methods() map[string]Method {
	return map[string]Method{
		// mint(to, amount)
		"mint": {Fn: b.mint, Args: 2},
		// transfer(to, amount) from the sender
		"transfer": {Fn: b.transfer, Args: 2},
	}
}

// BalancePath is the state path of the balance of account.
func (b Balances) BalancePath(r *Runtime, account common.Hash) common.Hash {
	return r.Path(b.Name(), "balances", account)
}

func (b Balances) balance(ctx *ExecutionContext, account common.Hash) (fixedint.UInt64, error) {
	v, err := ctx.Get(b.BalancePath(ctx.runtime, account))
	if err != nil {
		return fixedint.UInt64{}, err
	}
	return fixedint.FromHash[fixedint.W64](v.Value)
}

func (b Balances) setBalance(ctx *ExecutionContext, account common.Hash, amount fixedint.UInt64) error {
	return ctx.Set(b.BalancePath(ctx.runtime, account), amount.ToHash())
}

func (b Balances) mint(ctx *ExecutionContext, args []common.Hash) error {
	to := args[0]
	amount, err := fixedint.FromHash[fixedint.W64](args[1])
	if err != nil {
		return err
	}
	bal, err := b.balance(ctx, to)
	if err != nil {
		return err
	}
	sum, err := bal.Add(amount)
	if err != nil {
		return err
	}
	return b.setBalance(ctx, to, sum)
}

func (b Balances) transfer(ctx *ExecutionContext, args []common.Hash) error {
	from, to := ctx.Sender().Hash(), args[0]
	amount, err := fixedint.FromHash[fixedint.W64](args[1])
	if err != nil {
		return err
	}
	fromBal, err := b.balance(ctx, from)
	if err != nil {
		return err
	}
	rest, err := fromBal.Sub(amount)
	if errors.Is(err, fixedint.ErrUnderflow) {
		return errors.Wrapf(ErrInsufficientBalance, "have %s, want %s", fromBal, amount)
	} else if err != nil {
		return err
	}
	if err := b.setBalance(ctx, from, rest); err != nil {
		return err
	}
	toBal, err := b.balance(ctx, to)
	if err != nil {
		return err
	}
	sum, err := toBal.Add(amount)
	if err != nil {
		return err
	}
	return b.setBalance(ctx, to, sum)
}

// KV lets every account keep a word-to-word map of its own.
type KV struct{}

func (KV) Name() string { return "kv" }

func (k KV) Methods() map[string]Method {
	return map[string]Method{
		// set(key, value); a zero value deletes the key
		"set": {Fn: k.set, Args: 2},
	}
}

// EntryPath is the state path of key in the map of owner.
func (k KV) EntryPath(r *Runtime, owner common.PublicKey, key common.Hash) common.Hash {
	return r.Path(k.Name(), "store", owner.Hash(), key)
}

func (k KV) set(ctx *ExecutionContext, args []common.Hash) error {
	return ctx.Set(k.EntryPath(ctx.runtime, ctx.Sender(), args[0]), args[1])
}

// DefaultModules are the modules of a stock sequencer.
func DefaultModules() []Module {
	return []Module{Balances{}, KV{}}
}
