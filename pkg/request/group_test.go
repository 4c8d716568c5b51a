package request_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/transport/transporttest"
)

// newPathStub responds 404 for paths containing "missing", otherwise 200.
func newPathStub() *transporttest.Stub {
	return transporttest.NewStub(func(spec request.Spec) (transporttest.Result, error) {
		if strings.Contains(spec.URL().Path, "missing") {
			return transporttest.Result{StatusCode: http.StatusNotFound, Body: []byte("not found")}, nil
		}
		return transporttest.Result{StatusCode: http.StatusOK, Body: []byte("OK")}, nil
	})
}

func mustNew(t *testing.T, transport request.Transport, rawURL string) request.Request {
	t.Helper()
	r, err := request.New(transport, rawURL)
	require.NoError(t, err)
	return r
}

func TestWaitGroup(t *testing.T) {
	t.Parallel()
	stub := newPathStub()

	g := request.NewWaitGroup(t.Context())
	g.Send(mustNew(t, stub, "https://example.com/foo1"))
	g.Send(mustNew(t, stub, "https://example.com/foo2"))
	g.Send(request.SendableFunc(func(ctx context.Context) error {
		// Nested request
		g.Send(mustNew(t, stub, "https://example.com/foo4"))
		return mustNew(t, stub, "https://example.com/foo3").SendOrErr(ctx)
	}))

	assert.NoError(t, g.Wait())
	assert.Equal(t, 4, stub.Starts())
}

func TestWaitGroup_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	stub := newPathStub()

	g := request.NewWaitGroupWithLimit(t.Context(), 2)
	for i := 0; i < 10; i++ {
		g.Send(mustNew(t, stub, "https://example.com/foo"))
	}
	g.Send(mustNew(t, stub, "https://example.com/missing1"))
	g.Send(mustNew(t, stub, "https://example.com/missing2"))

	// All requests are sent, all errors are returned
	err := g.Wait()
	require.Error(t, err)
	assert.Equal(t, 12, stub.Starts())
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.ErrorIs(t, err, request.ErrStatusCode)
}

func TestWaitGroup_SingleError(t *testing.T) {
	t.Parallel()
	stub := newPathStub()

	g := request.NewWaitGroup(t.Context())
	g.Send(mustNew(t, stub, "https://example.com/missing"))

	// Multierror with one error is unwrapped
	err := g.Wait()
	require.Error(t, err)
	assert.Equal(t, "unexpected status code: 404 Not Found", err.Error())
}

func TestWaitGroup_ConcurrencyLimit(t *testing.T) {
	t.Parallel()
	var inFlight, maxInFlight atomic.Int64
	g := request.NewWaitGroupWithLimit(t.Context(), 3)
	for i := 0; i < 20; i++ {
		g.Send(request.SendableFunc(func(ctx context.Context) error {
			v := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if v <= m || maxInFlight.CompareAndSwap(m, v) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return nil
		}))
	}
	assert.NoError(t, g.Wait())
	assert.LessOrEqual(t, maxInFlight.Load(), int64(3))
}

func TestRunGroup(t *testing.T) {
	t.Parallel()
	stub := newPathStub()

	g := request.NewRunGroup(t.Context())
	g.Add(mustNew(t, stub, "https://example.com/foo1"))
	g.Add(mustNew(t, stub, "https://example.com/foo2"))
	g.Add(request.SendableFunc(func(ctx context.Context) error {
		// Nested request
		g.Add(mustNew(t, stub, "https://example.com/foo4"))
		return mustNew(t, stub, "https://example.com/foo3").SendOrErr(ctx)
	}))

	// No requests have been sent yet
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, stub.Starts())

	assert.NoError(t, g.RunAndWait())
	assert.Equal(t, 4, stub.Starts())
}

func TestRunGroup_StopsAtFirstError(t *testing.T) {
	t.Parallel()
	stub := newPathStub()

	g := request.NewRunGroup(t.Context())
	requestsCount := 100
	assert.Greater(t, requestsCount, request.RunGroupConcurrencyLimit)
	for i := 0; i < requestsCount; i++ {
		g.Add(mustNew(t, stub, "https://example.com/missing"))
	}

	// First error is returned
	err := g.RunAndWait()
	require.Error(t, err)
	var statusErr *request.StatusCodeError
	assert.True(t, errors.As(err, &statusErr))

	// Sending stops when the first error occurs
	assert.Less(t, stub.Starts(), requestsCount)
}
