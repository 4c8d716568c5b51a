package nethttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/keboola/go-requestr/pkg/trace"
)

type ctxKey string

const retryAttemptContextKey = ctxKey("retryAttempt")

// ContextRetryAttempt returns the retry attempt of the request, the first attempt is 0.
func ContextRetryAttempt(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(retryAttemptContextKey).(int)
	return v, ok
}

// roundTripper sends attempts of one request: each attempt is rate limited and traced,
// a failed attempt is retried according to the RetryConfig.
type roundTripper struct {
	trace   *trace.ClientTrace
	retry   RetryConfig
	limiter *rate.Limiter
	wrapped http.RoundTripper
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	backoff := rt.retry.NewBackoff()
	for attempt := 0; ; attempt++ {
		res, err := rt.attempt(req, attempt)
		if !rt.retry.shouldRetry(attempt, res, err) {
			return res, err
		}
		delay, ok := rt.retry.delay(backoff, res, time.Now())
		if !ok {
			return res, err
		}
		drain(res)
		if rt.trace != nil && rt.trace.HTTPRequestRetry != nil {
			rt.trace.HTTPRequestRetry(attempt+1, delay)
		}
		if err := rewind(req); err != nil {
			return nil, err
		}
		if err := sleep(req.Context(), delay); err != nil {
			return nil, err
		}
	}
}

func (rt roundTripper) attempt(req *http.Request, attempt int) (*http.Response, error) {
	if rt.limiter != nil {
		if err := rt.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	req = req.WithContext(context.WithValue(req.Context(), retryAttemptContextKey, attempt))
	if rt.trace != nil && rt.trace.HTTPRequestStart != nil {
		rt.trace.HTTPRequestStart(req)
	}
	res, err := rt.wrapped.RoundTrip(req)
	if rt.trace != nil && rt.trace.HTTPRequestDone != nil {
		rt.trace.HTTPRequestDone(res, err)
	}
	return res, err
}

// drain discards the body of a failed attempt, so the connection can be reused.
func drain(res *http.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}

func rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("cannot rewind body: %w", err)
	}
	req.Body = body
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
