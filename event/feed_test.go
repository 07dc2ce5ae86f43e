package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedDelivers(t *testing.T) {
	var feed Feed[int]
	a := make(chan int, 1)
	b := make(chan int, 1)
	subA := feed.Subscribe(a)
	feed.Subscribe(b)

	require.Equal(t, 2, feed.Send(7))
	require.Equal(t, 7, <-a)
	require.Equal(t, 7, <-b)

	subA.Unsubscribe()
	subA.Unsubscribe()
	require.Equal(t, 1, feed.Send(8))
	_, open := <-subA.Err()
	require.False(t, open)
}

func TestFeedNeverBlocks(t *testing.T) {
	var feed Feed[string]
	full := make(chan string)
	feed.Subscribe(full)
	require.Equal(t, 0, feed.Send("dropped"))
}

func TestFeedClose(t *testing.T) {
	var feed Feed[int]
	ch := make(chan int, 1)
	sub := feed.Subscribe(ch)
	feed.Close()
	<-sub.Err()
	require.Equal(t, 0, feed.Send(1))

	late := feed.Subscribe(ch)
	<-late.Err()
}
