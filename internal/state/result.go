package state

import (
	"context"
	"encoding/json"
)

// Result is the outcome of one mutation kind: Idle, Loading, Success(value)
// or Error(message).
type Result[T any] struct {
	phase   Phase
	value   T
	message string
}

func Idle[T any]() Result[T] { return Result[T]{phase: PhaseIdle} }
func Loading[T any]() Result[T] { return Result[T]{phase: PhaseLoading} }

func Success[T any](v T) Result[T] { return Result[T]{phase: PhaseSuccess, value: v} }

func Failure[T any](msg string) Result[T] {
	if msg == "" {
		msg = "unknown error"
	}
	return Result[T]{phase: PhaseError, message: msg}
}

func (r Result[T]) Phase() Phase { return r.phase }
func (r Result[T]) IsLoading() bool { return r.phase == PhaseLoading }

// Value returns the success payload; ok is false in every other phase.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.phase == PhaseSuccess
}

func (r Result[T]) Message() string { return r.message }

func (r Result[T]) MarshalJSON() ([]byte, error) {
	out := struct {
		State   Phase  `json:"state"`
		Value   any    `json:"value,omitempty"`
		Message string `json:"message,omitempty"`
	}{State: r.phase, Message: r.message}
	if r.phase == PhaseSuccess {
		out.Value = r.value
	}
	return json.Marshal(out)
}

// Channel is the single-slot broadcaster for one mutation kind. At most one
// mutation per channel is in flight; a finished result stays visible until
// Consume.
type Channel[T any] struct {
	cell *Cell[Result[T]]
}

// NewChannel returns an Idle channel.
func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{cell: NewCell(Idle[T]())}
}

// Begin moves the channel to Loading. It returns false, leaving the state
// untouched, when a mutation is already in flight. An unconsumed Success or
// Error is superseded.
func (c *Channel[T]) Begin() bool {
	return c.cell.Update(func(cur Result[T]) (Result[T], bool) {
		if cur.IsLoading() {
			return cur, false
		}
		return Loading[T](), true
	})
}

func (c *Channel[T]) Succeed(v T) { c.finish(Success(v)) }
func (c *Channel[T]) Fail(msg string) { c.finish(Failure[T](msg)) }

func (c *Channel[T]) finish(r Result[T]) {
	c.cell.Update(func(cur Result[T]) (Result[T], bool) {
		return r, cur.IsLoading()
	})
}

// Consume acknowledges a finished result and returns to Idle. It is a no-op
// while Loading or already Idle.
func (c *Channel[T]) Consume() {
	c.cell.Update(func(cur Result[T]) (Result[T], bool) {
		if cur.phase != PhaseSuccess && cur.phase != PhaseError {
			return cur, false
		}
		return Idle[T](), true
	})
}

func (c *Channel[T]) Get() Result[T] { return c.cell.Get() }

func (c *Channel[T]) Subscribe(ctx context.Context) <-chan Result[T] {
	return c.cell.Subscribe(ctx)
}
