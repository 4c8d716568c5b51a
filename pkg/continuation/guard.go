package continuation

import (
	"sync"
	"sync/atomic"
)

// CancelGuard owns the handle of an in-flight operation.
// It is released exactly once, either by Cancel or by Acknowledge, whichever comes first.
type CancelGuard struct {
	once     sync.Once
	released atomic.Bool
	cancel   func()
}

// NewCancelGuard wraps cancel, the function that requests cancellation of the operation.
func NewCancelGuard(cancel func()) *CancelGuard {
	return &CancelGuard{cancel: cancel}
}

// Cancel releases the guard and synchronously requests cancellation of the operation.
// It returns false if the guard has already been released.
func (g *CancelGuard) Cancel() bool {
	return g.release(true)
}

// Acknowledge releases the guard without cancellation, the operation has completed.
// It returns false if the guard has already been released.
func (g *CancelGuard) Acknowledge() bool {
	return g.release(false)
}

// Released returns true if Cancel or Acknowledge has been called.
func (g *CancelGuard) Released() bool {
	return g.released.Load()
}

func (g *CancelGuard) release(cancel bool) (ok bool) {
	g.once.Do(func() {
		ok = true
		g.released.Store(true)
		if cancel && g.cancel != nil {
			g.cancel()
		}
	})
	return ok
}
