package future

import "context"

// Result carries either a value or the error that prevented producing it. It
// is what task completions travel as on channels.
type Result[T any] struct {
	Value T
	Error error
}

func Ok[T any](value T) Result[T] {
	return Result[T]{Value: value}
}

func Err[T any](err error) Result[T] {
	return Result[T]{Error: err}
}

// Get returns the value and error contained in the Result.
func (r Result[T]) Get() (T, error) {
	return r.Value, r.Error
}

// Await blocks until a result is delivered on ch or ctx is done.
func Await[T any](ctx context.Context, ch <-chan Result[T]) (T, error) {
	select {
	case r := <-ch:
		return r.Get()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
