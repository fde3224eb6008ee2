// Package state holds the observable values the engine publishes: a generic
// single-writer Cell, the network status, and the per-kind mutation results.
package state

import (
	"context"
	"sync"
)

// Cell is a value with one logical writer and any number of readers.
// Subscribers receive the latest value; intermediate values may be skipped
// when a subscriber falls behind.
type Cell[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[chan T]struct{}
}

// NewCell returns a cell holding initial.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial, subs: make(map[chan T]struct{})}
}

func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.publishLocked()
}

// Update applies fn to the current value. When fn reports false the value is
// left alone and nothing is published.
func (c *Cell[T]) Update(fn func(cur T) (T, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, ok := fn(c.value)
	if !ok {
		return false
	}
	c.value = next
	c.publishLocked()
	return true
}

// Subscribe returns a channel that first yields the current value and then
// every later one. The channel is closed when ctx is done.
func (c *Cell[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	c.mu.Lock()
	ch <- c.value
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, ch)
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

func (c *Cell[T]) publishLocked() {
	for ch := range c.subs {
		// Replace a stale unread value with the newest one.
		select {
		case <-ch:
		default:
		}
		ch <- c.value
	}
}
