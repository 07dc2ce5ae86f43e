package runtime

import "errors"

var (
	// ErrUnknownMethod is returned when no module registered the method id.
	ErrUnknownMethod = errors.New("unknown runtime method")

	// ErrArgumentCount is returned when a transaction carries the wrong
	// number of arguments for its method.
	ErrArgumentCount = errors.New("wrong number of arguments")

	// ErrNonceTooLow is returned if the nonce of a transaction is lower than the
	// one present in the local chain. Such transactions can never be included.
	ErrNonceTooLow = errors.New("nonce too low")

	// ErrNonceTooHigh is returned if the nonce of a transaction is higher than the
	// next one expected based on the local chain. It may become includable later.
	ErrNonceTooHigh = errors.New("nonce too high")

	// ErrInsufficientBalance is returned when a transfer exceeds the balance
	// of the sender.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateMethod is returned when two modules register the same name.
	ErrDuplicateMethod = errors.New("duplicate runtime method")
)
