// Package event implements a typed one-to-many notification feed.
package event

import (
	"sync"
)

// Feed delivers values of type T to every subscribed channel. Sends never
// block: a subscriber whose channel is full misses the value. Each value is
// therefore delivered at most once per subscriber.
//
// The zero value is ready to use.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[*feedSub[T]]struct{}
	closed bool
}

// Subscription is returned by Subscribe. Unsubscribe removes the channel from
// the feed; it may be called any number of times.
type Subscription interface {
	Unsubscribe()
	// Err is closed when the subscription ends.
	Err() <-chan error
}

type feedSub[T any] struct {
	feed *Feed[T]
	ch   chan<- T
	once sync.Once
	err  chan error
}

// Subscribe adds ch to the feed. The channel should be buffered.
func (f *Feed[T]) Subscribe(ch chan<- T) Subscription {
	sub := &feedSub[T]{feed: f, ch: ch, err: make(chan error)}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(sub.err)
		return sub
	}
	if f.subs == nil {
		f.subs = make(map[*feedSub[T]]struct{})
	}
	f.subs[sub] = struct{}{}
	return sub
}

// Send offers v to all subscribers and returns how many accepted it.
func (f *Feed[T]) Send(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := 0
	for sub := range f.subs {
		select {
		case sub.ch <- v:
			sent++
		default:
		}
	}
	return sent
}

// Close ends every subscription. Later sends are dropped.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		sub.once.Do(func() { close(sub.err) })
	}
	f.subs = nil
}

func (s *feedSub[T]) Unsubscribe() {
	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	s.feed.mu.Unlock()
	s.once.Do(func() { close(s.err) })
}

func (s *feedSub[T]) Err() <-chan error { return s.err }
