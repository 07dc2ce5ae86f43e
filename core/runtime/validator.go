package runtime

import (
	"fmt"

	"github.com/dominant-strategies/go-sequencer/core/types"
)

// Validator runs the stateless checks a transaction must pass before it is
// handed to the mempool.
type Validator struct {
	runtime *Runtime
}

func NewValidator(r *Runtime) *Validator {
	return &Validator{runtime: r}
}

// Validate reports whether tx is acceptable and, if not, why.
func (v *Validator) Validate(tx *types.PendingTransaction) (bool, string) {
	if tx == nil {
		return false, "empty transaction"
	}
	m, name, ok := v.runtime.Lookup(tx.MethodID)
	if !ok {
		return false, fmt.Sprintf("%s: %s", ErrUnknownMethod, tx.MethodID)
	}
	if len(tx.Args) != m.Args {
		return false, fmt.Sprintf("%s: %s takes %d, got %d", ErrArgumentCount, name, m.Args, len(tx.Args))
	}
	if err := tx.VerifySignature(); err != nil {
		return false, err.Error()
	}
	return true, ""
}
