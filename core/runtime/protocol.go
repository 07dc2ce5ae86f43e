package runtime

import (
	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/pkg/errors"
)

const (
	protocolModule = "protocol"
	nonceField     = "nonce"
)

// NoncePath is the state path of the account nonce of sender.
func (r *Runtime) NoncePath(sender common.PublicKey) common.Hash {
	return r.Path(protocolModule, nonceField, sender.Hash())
}

// AccountNonce reads the next expected nonce of sender.
func AccountNonce(ctx *ExecutionContext, sender common.PublicKey) (uint64, error) {
	v, err := ctx.Get(ctx.runtime.NoncePath(sender))
	if err != nil {
		return 0, err
	}
	if !v.IsSome {
		return 0, nil
	}
	return v.Value.Uint256().Uint64(), nil
}

// incrementNonce is the protocol hook run before every method: the
// transaction nonce must equal the account nonce, which is then bumped.
func (r *Runtime) incrementNonce(ctx *ExecutionContext) error {
	tx := ctx.Tx
	nonce, err := AccountNonce(ctx, tx.Sender)
	if err != nil {
		return err
	}
	switch {
	case tx.Nonce < nonce:
		return errors.Wrapf(ErrNonceTooLow, "nonce %d, account at %d", tx.Nonce, nonce)
	case tx.Nonce > nonce:
		return errors.Wrapf(ErrNonceTooHigh, "nonce %d, account at %d", tx.Nonce, nonce)
	}
	return ctx.Set(r.NoncePath(tx.Sender), common.Uint64ToHash(nonce+1))
}
