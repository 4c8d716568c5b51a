// Package scope provides a token proving that a platform resource scope is currently open.
//
// A scope is opened by Run or Eval and closed when the callback returns.
// Code that constructs transport resources receives the *Active token as an argument
// and must not keep it: the token is invalid as soon as the scope closes,
// and every method of a closed token panics.
//
// Resources registered by Active.Autorelease are released when the scope closes, in reverse order.
//
// A scope never spans a suspension point. Asynchronous completions, which may run
// on any goroutine, open their own scope instead of reusing the one from the caller.
package scope

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// Active is a capability token for an open scope.
// It cannot be constructed outside this package, see Run and Eval.
type Active struct {
	_        noCopy
	id       uint64
	closed   atomic.Bool
	lock     sync.Mutex
	releases []func() error
}

// ReleaseFunc releases a resource registered in a scope.
type ReleaseFunc func() error

// noCopy may be embedded into structs which must not be copied after the first use.
// See https://github.com/golang/go/issues/8005#issuecomment-190753527 for details.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

var idGenerator atomic.Uint64 //nolint:gochecknoglobals

// Run opens a new scope, calls fn and closes the scope.
// The error from fn is joined with errors from releasing registered resources.
func Run(fn func(s *Active) error) error {
	_, err := Eval(func(s *Active) (struct{}, error) {
		return struct{}{}, fn(s)
	})
	return err
}

// Eval opens a new scope, calls fn and closes the scope.
// The error from fn is joined with errors from releasing registered resources.
func Eval[R any](fn func(s *Active) (R, error)) (result R, err error) {
	// The scope is bound to the OS thread, same as the platform pools it models.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := &Active{id: idGenerator.Add(1)}
	defer func() {
		if releaseErr := s.close(); releaseErr != nil {
			err = joinErrors(err, releaseErr)
		}
	}()

	return fn(s)
}

// ID returns a process-unique identifier of the scope.
func (s *Active) ID() uint64 {
	s.mustBeOpen()
	return s.id
}

// Autorelease registers fn to be called when the scope closes.
func (s *Active) Autorelease(fn ReleaseFunc) {
	s.mustBeOpen()
	s.lock.Lock()
	defer s.lock.Unlock()
	s.releases = append(s.releases, fn)
}

// Check panics if the scope is already closed.
// Call it at points where a token is used after it was handed over by another function.
func (s *Active) Check() {
	s.mustBeOpen()
}

func (s *Active) String() string {
	return fmt.Sprintf("scope[%04d]", s.id)
}

func (s *Active) mustBeOpen() {
	if s == nil || s.id == 0 {
		panic(fmt.Errorf("scope token is not initialized, use scope.Run"))
	}
	if s.closed.Load() {
		panic(fmt.Errorf("%s is already closed, the token must not outlive its scope", s))
	}
}

func (s *Active) close() error {
	s.closed.Store(true)

	s.lock.Lock()
	releases := s.releases
	s.releases = nil
	s.lock.Unlock()

	var errs *multierror.Error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	// If there is only one error, then unwrap multierror
	if errs != nil && len(errs.Errors) == 1 {
		return errs.Errors[0]
	}
	return errs.ErrorOrNil()
}

func joinErrors(first, second error) error {
	if first == nil {
		return second
	}
	return multierror.Append(first, second)
}
