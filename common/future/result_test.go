package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAwait(t *testing.T) {
	ch := make(chan Result[int], 1)
	ch <- Ok(7)
	v, err := Await(context.Background(), ch)
	require.NoError(t, err)
	require.Equal(t, 7, v)

	boom := errors.New("boom")
	ch <- Err[int](boom)
	_, err = Await(context.Background(), ch)
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Await(ctx, ch)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
