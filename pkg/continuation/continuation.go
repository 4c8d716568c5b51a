// Package continuation bridges one callback-style completion to one awaiting consumer.
//
// New returns two halves of a single-assignment cell:
//   - Completion is handed to the transport and may be called from any goroutine.
//   - Awaiter is consumed by exactly one caller, which blocks in Await until the result is delivered.
//
// The first delivery wins. Later deliveries are discarded silently,
// a transport may still call back after the operation was cancelled.
//
// Dropping an unresolved Awaiter cancels the attached CancelGuard exactly once.
// An Awaiter which becomes unreachable without being awaited or dropped is dropped by the garbage collector.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrCancelled is returned by Await if the awaiter has been dropped before the result was delivered.
var ErrCancelled = errors.New("operation cancelled")

// ErrConsumed is returned by Await if the result has already been taken by another Await call.
var ErrConsumed = errors.New("continuation already consumed")

type state int

const (
	statePending state = iota
	stateResolved
	stateCancelled
	stateConsumed
)

// Awaiter is the consuming half of a continuation.
type Awaiter[T any] struct {
	cell    *cell[T]
	cleanup runtime.Cleanup
}

// Completion is the producing half of a continuation.
type Completion[T any] struct {
	cell *cell[T]
}

type cell[T any] struct {
	lock    sync.Mutex
	state   state
	value   T
	err     error
	guard   *CancelGuard
	discard func(T)
	done    chan struct{}
}

// New creates a continuation.
func New[T any]() (*Awaiter[T], Completion[T]) {
	return NewWithDiscard[T](nil)
}

// NewWithDiscard creates a continuation.
// The discard function receives each delivered value that never reaches the consumer:
// a late duplicate delivery, or a result delivered after the awaiter was dropped.
// It is used to free resources carried by the value, for example a temporary file.
func NewWithDiscard[T any](discard func(T)) (*Awaiter[T], Completion[T]) {
	c := &cell[T]{discard: discard, done: make(chan struct{})}
	a := &Awaiter[T]{cell: c}
	a.cleanup = runtime.AddCleanup(a, func(c *cell[T]) { c.drop() }, c)
	return a, Completion[T]{cell: c}
}

// Complete delivers the result.
// It returns false, and discards the value, if the continuation has already been resolved or cancelled.
func (c Completion[T]) Complete(value T, err error) bool {
	if c.cell == nil {
		panic(errors.New("continuation completion is not initialized, use continuation.New"))
	}
	return c.cell.resolve(value, err)
}

// Accept attaches the guard of the in-flight operation.
// If the awaiter has already been dropped, the operation is cancelled immediately.
// If the result has already been delivered, the guard is acknowledged.
func (a *Awaiter[T]) Accept(guard *CancelGuard) {
	c := a.cell
	c.lock.Lock()
	switch c.state {
	case statePending:
		if c.guard != nil {
			c.lock.Unlock()
			panic(errors.New("continuation guard is already attached"))
		}
		c.guard = guard
		c.lock.Unlock()
	case stateCancelled:
		c.lock.Unlock()
		guard.Cancel()
	default:
		c.lock.Unlock()
		guard.Acknowledge()
	}
}

// Await blocks until the result is delivered or ctx is done.
// When ctx is done first, the awaiter is dropped and the operation cancelled.
func (a *Awaiter[T]) Await(ctx context.Context) (T, error) {
	value, _, err := a.await(ctx)
	return value, err
}

// Done returns a channel which is closed when the result is delivered or the awaiter is dropped.
func (a *Awaiter[T]) Done() <-chan struct{} {
	return a.cell.done
}

// Drop releases the awaiter without waiting.
// An unresolved operation is cancelled, an undelivered result is discarded.
// It returns true if this call requested the cancellation.
func (a *Awaiter[T]) Drop() bool {
	a.cleanup.Stop()
	return a.cell.drop()
}

// await returns delivered=true if the value and the error come from the completion.
func (a *Awaiter[T]) await(ctx context.Context) (value T, delivered bool, err error) {
	c := a.cell
	select {
	case <-c.done:
	case <-ctx.Done():
		a.Drop()
		var empty T
		return empty, false, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	switch c.state {
	case stateResolved:
		value, err = c.value, c.err
		var empty T
		c.value, c.err, c.state = empty, nil, stateConsumed
		a.cleanup.Stop()
		return value, true, err
	case stateCancelled:
		return value, false, ErrCancelled
	default:
		return value, false, ErrConsumed
	}
}

func (c *cell[T]) resolve(value T, err error) bool {
	c.lock.Lock()
	if c.state != statePending {
		c.lock.Unlock()
		if c.discard != nil {
			c.discard(value)
		}
		return false
	}

	c.state, c.value, c.err = stateResolved, value, err
	guard := c.guard
	c.guard = nil
	close(c.done)
	c.lock.Unlock()

	if guard != nil {
		guard.Acknowledge()
	}
	return true
}

func (c *cell[T]) drop() bool {
	c.lock.Lock()
	switch c.state {
	case statePending:
		c.state = stateCancelled
		guard := c.guard
		c.guard = nil
		close(c.done)
		c.lock.Unlock()
		if guard != nil {
			guard.Cancel()
		}
		return true
	case stateResolved:
		value := c.value
		var empty T
		c.value, c.err, c.state = empty, nil, stateConsumed
		c.lock.Unlock()
		if c.discard != nil {
			c.discard(value)
		}
		return false
	default:
		c.lock.Unlock()
		return false
	}
}
