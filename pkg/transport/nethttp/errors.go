package nethttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// sendError converts a net/http error to a readable message, the cause remains in the chain.
// For example: request GET "https://example.com" failed: timeout after 3s: context deadline exceeded.
func sendError(req *http.Request, startedAt time.Time, clientTimeout time.Duration, err error) error {
	if cause := timeoutOrCancel(req, startedAt, clientTimeout, err); cause != nil {
		return fmt.Errorf(`request %s "%s" failed: %w`, req.Method, req.URL.String(), cause)
	}
	if urlErr := (*url.Error)(nil); errors.As(err, &urlErr) {
		return fmt.Errorf(`request %s "%s" failed: %w`, strings.ToUpper(urlErr.Op), urlErr.URL, urlErr.Err)
	}
	return err
}

// timeoutOrCancel returns nil if the error is not a timeout or a cancellation.
func timeoutOrCancel(req *http.Request, startedAt time.Time, clientTimeout time.Duration, err error) error {
	var netErr net.Error
	deadline, hasDeadline := req.Context().Deadline()
	switch {
	case hasDeadline && errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("timeout after %s: %w", deadline.Sub(startedAt), context.DeadlineExceeded)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("canceled after %s: %w", time.Since(startedAt), context.Canceled)
	case errors.As(err, &netErr) && netErr.Timeout():
		if strings.Contains(err.Error(), "Client.Timeout exceeded") {
			return fmt.Errorf("timeout after %s: %w", clientTimeout, netErr)
		}
		return fmt.Errorf("timeout after %s: %w", time.Since(startedAt), netErr)
	default:
		return nil
	}
}
