package request

import (
	"context"
	"log/slog"

	"github.com/keboola/go-requestr/pkg/continuation"
	"github.com/keboola/go-requestr/pkg/scope"
	"github.com/keboola/go-requestr/pkg/trace"
)

// Perform seals the request, starts the transport operation and returns a future of the buffered response.
//
// The setup is synchronous: if the request cannot be started, for example the URL is invalid,
// the returned future is already resolved with the error, and the transport is not touched.
//
// Cancelling the future, or the context passed to Future.Await, cancels the in-flight operation.
// Mid-flight transport failures are returned as PlatformError.
func (r Request) Perform(ctx context.Context) *continuation.Future[*Response] {
	spec, err := r.seal()
	if err != nil {
		return continuation.Failed[*Response](err)
	}

	ctx, tc := r.startTrace(ctx, spec)
	awaiter, completion := continuation.New[*Response]()
	sink := func(s *scope.Active, result DataResult, err error) {
		s.Check()
		var res *Response
		if err == nil {
			res = newResponse(result)
		}
		if !completion.Complete(res, platformError(err)) {
			r.lateDelivery(tc, spec, err)
		}
	}

	// Setup phase, the scope never crosses the await
	handle, err := scope.Eval(func(s *scope.Active) (Handle, error) {
		return r.transport.StartData(ctx, s, spec, sink)
	})
	if err != nil {
		awaiter.Drop()
		err = platformError(err)
		if tc != nil && tc.RequestProcessed != nil {
			tc.RequestProcessed(nil, err)
		}
		return continuation.Failed[*Response](err)
	}
	awaiter.Accept(newCancelGuard(handle, tc))

	// Async phase
	return continuation.Then(awaiter, func(res *Response, err error) (*Response, error) {
		if tc != nil && tc.RequestProcessed != nil {
			tc.RequestProcessed(res, err)
		}
		return res, err
	}).MapError(cancelledError)
}

// Send is a shortcut for Perform and Future.Await.
func (r Request) Send(ctx context.Context) (*Response, error) {
	return r.Perform(ctx).Await(ctx)
}

// SendOrErr performs the request and returns an error also if the status code is not 2xx.
func (r Request) SendOrErr(ctx context.Context) error {
	res, err := r.Send(ctx)
	if err != nil {
		return err
	}
	_, err = res.CheckStatus()
	return err
}

func newCancelGuard(handle Handle, tc *trace.ClientTrace) *continuation.CancelGuard {
	return continuation.NewCancelGuard(func() {
		if handle != nil {
			handle.Cancel()
		}
		if tc != nil && tc.Cancelled != nil {
			tc.Cancelled()
		}
	})
}

func (r Request) lateDelivery(tc *trace.ClientTrace, spec Spec, err error) {
	if tc != nil && tc.LateDelivery != nil {
		tc.LateDelivery(err)
	}
	r.logger.Debug(
		"late request result discarded",
		slog.String("method", spec.Method()),
		slog.String("url", spec.RawURL()),
		slog.Any("error", err),
	)
}
