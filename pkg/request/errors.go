package request

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/keboola/go-requestr/pkg/continuation"
)

var (
	// ErrInvalidURL is wrapped by InvalidURLError.
	ErrInvalidURL = errors.New("invalid url")
	// ErrPlatform is wrapped by PlatformError.
	ErrPlatform = errors.New("platform error")
	// ErrStatusCode is wrapped by StatusCodeError.
	ErrStatusCode = errors.New("unexpected status code")
	// ErrSealed is returned if a request is performed more than once.
	ErrSealed = errors.New("request has already been performed")
)

// InvalidURLError is returned if the URL cannot be parsed or it is not absolute.
// The error is returned before any transport operation is started.
type InvalidURLError struct {
	URL string
	Err error
}

func (e *InvalidURLError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf(`%s "%s"`, ErrInvalidURL, e.URL)
	}
	return fmt.Sprintf(`%s "%s": %s`, ErrInvalidURL, e.URL, e.Err)
}

func (e *InvalidURLError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidURL}
	}
	return []error{ErrInvalidURL, e.Err}
}

// PlatformError wraps any failure surfaced by the transport:
// network errors, cancellation, file system errors during the artifact relocation.
// The wrapped error is forwarded without interpretation.
type PlatformError struct {
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPlatform, e.Err)
}

func (e *PlatformError) Unwrap() []error {
	return []error{ErrPlatform, e.Err}
}

// StatusCodeError is returned by the CheckStatus methods if the status code is not 2xx.
// It is never returned implicitly by Perform or Download.
type StatusCodeError struct {
	StatusCode int
	// Body is the response body, it is empty for a download, the body is stored in the file.
	Body Data
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrStatusCode, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusCodeError) Unwrap() error {
	return ErrStatusCode
}

func platformError(err error) error {
	if err == nil {
		return nil
	}
	var platformErr *PlatformError
	if errors.As(err, &platformErr) {
		return err
	}
	return &PlatformError{Err: err}
}

// cancelledError reports a cancelled request as PlatformError, errors.Is(err, continuation.ErrCancelled) still holds.
// Other errors of the asynchronous phase are already mapped by the result handler.
func cancelledError(err error) error {
	if errors.Is(err, continuation.ErrCancelled) {
		return platformError(err)
	}
	return err
}

// IsSuccess returns true if the status code is 2xx.
func IsSuccess(statusCode int) bool {
	return statusCode >= http.StatusOK && statusCode <= 299
}
