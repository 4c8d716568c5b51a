package continuation

import (
	"context"
)

// Future is the asynchronous phase of an operation.
//
// It is created by the synchronous setup phase, either with Failed, when the setup failed
// and the operation was never started, or with Then, when the operation is in flight.
type Future[T any] struct {
	setupErr error
	done     <-chan struct{}
	drop     func() bool
	await    func(ctx context.Context) (T, error)
}

// Failed returns a resolved future which yields err without starting anything.
func Failed[T any](err error) *Future[T] {
	done := make(chan struct{})
	close(done)
	return &Future[T]{setupErr: err, done: done}
}

// Then returns a future which awaits a, and maps the delivered result with fn.
// The fn is not called if the awaiter is dropped before the delivery.
func Then[R, T any](a *Awaiter[R], fn func(R, error) (T, error)) *Future[T] {
	return &Future[T]{
		done: a.Done(),
		drop: a.Drop,
		await: func(ctx context.Context) (T, error) {
			value, delivered, err := a.await(ctx)
			if !delivered {
				var empty T
				return empty, err
			}
			return fn(value, err)
		},
	}
}

// MapError returns a future which replaces a non-nil error of the asynchronous phase by fn(err),
// for example the error of a dropped awaiter. The setup error is not mapped.
func (f *Future[T]) MapError(fn func(error) error) *Future[T] {
	if f.await == nil {
		return f
	}
	out := *f
	out.await = func(ctx context.Context) (T, error) {
		value, err := f.await(ctx)
		if err != nil {
			err = fn(err)
		}
		return value, err
	}
	return &out
}

// Await blocks until the result is available or ctx is done.
// When ctx is done first, the operation is cancelled.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	if f.setupErr != nil || f.await == nil {
		var empty T
		return empty, f.setupErr
	}
	return f.await(ctx)
}

// Done returns a channel which is closed when Await will not block.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// SetupErr returns the error from the synchronous setup phase, if any.
func (f *Future[T]) SetupErr() error {
	return f.setupErr
}

// Cancel abandons the future, the in-flight operation is cancelled.
// It returns true if this call requested the cancellation.
func (f *Future[T]) Cancel() bool {
	if f.drop == nil {
		return false
	}
	return f.drop()
}
