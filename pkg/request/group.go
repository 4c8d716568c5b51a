package request

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// WaitGroupConcurrencyLimit is the maximum number of concurrent requests in one WaitGroup.
	WaitGroupConcurrencyLimit = 8
	// RunGroupConcurrencyLimit is the maximum number of concurrent requests in one RunGroup.
	RunGroupConcurrencyLimit = 32
)

// Sendable is a request which can be sent by a WaitGroup or a RunGroup, for example Request.
type Sendable interface {
	SendOrErr(ctx context.Context) error
}

// SendableFunc adapts a function to the Sendable interface,
// for example to download a file and process it.
type SendableFunc func(ctx context.Context) error

func (f SendableFunc) SendOrErr(ctx context.Context) error {
	return f(ctx)
}

// slots limits the number of concurrently sent requests.
type slots struct {
	sem *semaphore.Weighted
}

func newSlots(limit int64) slots {
	return slots{sem: semaphore.NewWeighted(limit)}
}

// send waits for a free slot, an error is returned only if the context is done.
func (s slots) send(ctx context.Context, r Sendable) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return r.SendOrErr(ctx)
}

// WaitGroup sends each request immediately on Send, Wait blocks until all requests are completed.
//
// An error does not stop other requests, Wait returns all errors that have occurred.
// A single error is returned as is, without the multierror wrapper.
//
// Use RunGroup to schedule requests for later, or to stop at the first error.
type WaitGroup struct {
	ctx   context.Context
	slots slots
	wg    sync.WaitGroup

	lock sync.Mutex
	errs *multierror.Error
}

// NewWaitGroup creates new WaitGroup.
func NewWaitGroup(ctx context.Context) *WaitGroup {
	return NewWaitGroupWithLimit(ctx, WaitGroupConcurrencyLimit)
}

// NewWaitGroupWithLimit creates new WaitGroup with given concurrent requests limit.
func NewWaitGroupWithLimit(ctx context.Context, limit int64) *WaitGroup {
	return &WaitGroup{ctx: ctx, slots: newSlots(limit)}
}

// Send starts a concurrent request. It can be called also from a running SendableFunc.
func (g *WaitGroup) Send(r Sendable) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.slots.send(g.ctx, r); err != nil {
			g.lock.Lock()
			g.errs = multierror.Append(g.errs, err)
			g.lock.Unlock()
		}
	}()
}

// Wait for all requests to complete.
func (g *WaitGroup) Wait() error {
	g.wg.Wait()
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.errs != nil && len(g.errs.Errors) == 1 {
		return g.errs.Errors[0]
	}
	return g.errs.ErrorOrNil()
}

// RunGroup collects requests by Add and sends them concurrently on RunAndWait.
//
// The first error cancels the context of in-flight requests, the remaining requests are not sent.
//
// Use WaitGroup to send requests immediately, or to collect all errors.
type RunGroup struct {
	ctx     context.Context
	slots   slots
	group   *errgroup.Group
	started chan struct{}
}

// NewRunGroup creates a new RunGroup.
func NewRunGroup(ctx context.Context) *RunGroup {
	return NewRunGroupWithLimit(ctx, RunGroupConcurrencyLimit)
}

// NewRunGroupWithLimit creates a new RunGroup with given concurrent requests limit.
func NewRunGroupWithLimit(ctx context.Context, limit int64) *RunGroup {
	group, ctx := errgroup.WithContext(ctx)
	return &RunGroup{ctx: ctx, slots: newSlots(limit), group: group, started: make(chan struct{})}
}

// Add schedules the request, it is sent after RunAndWait is called.
// Requests can be added also from a running SendableFunc, until RunAndWait returns.
func (g *RunGroup) Add(r Sendable) {
	g.group.Go(func() error {
		select {
		case <-g.started:
			return g.slots.send(g.ctx, r)
		case <-g.ctx.Done():
			return g.ctx.Err()
		}
	})
}

// RunAndWait sends the scheduled requests and returns the first error.
func (g *RunGroup) RunAndWait() error {
	close(g.started)
	return g.group.Wait()
}
