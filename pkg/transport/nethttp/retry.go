package nethttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults of the DefaultRetry.
const (
	RetriesCount       = 5
	RequestTimeout     = 30 * time.Second
	RetryWaitTimeStart = 100 * time.Millisecond
	RetryWaitTimeMax   = 3 * time.Second
)

// RetryConfig configures retries of the Transport.
// The zero value disables retries and the total timeout.
type RetryConfig struct {
	Condition           RetryCondition
	Count               int
	TotalRequestTimeout time.Duration
	WaitTimeStart       time.Duration
	WaitTimeMax         time.Duration
	// RetryAfter enables the Retry-After response header, the delay is still limited by the WaitTimeMax.
	RetryAfter bool
}

// RetryCondition returns true if the attempt should be retried.
// The response is nil on a network error.
type RetryCondition func(*http.Response, error) bool

var retryableStatusCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusConflict:            true,
	http.StatusLocked:              true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// NoRetry returns a RetryConfig which never retries, it is the default.
func NoRetry() RetryConfig {
	return RetryConfig{}
}

// DefaultRetry retries a failed request up to RetriesCount times, with an exponential delay.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		Condition:           DefaultRetryCondition(),
		Count:               RetriesCount,
		TotalRequestTimeout: RequestTimeout,
		WaitTimeStart:       RetryWaitTimeStart,
		WaitTimeMax:         RetryWaitTimeMax,
		RetryAfter:          true,
	}
}

// TestingRetry is the DefaultRetry with minimal delays.
func TestingRetry() RetryConfig {
	c := DefaultRetry()
	c.WaitTimeStart = time.Millisecond
	c.WaitTimeMax = time.Millisecond
	return c
}

// DefaultRetryCondition retries network errors and the status codes which signal a temporary failure.
// A cancelled request or an unknown host is never retried.
func DefaultRetryCondition() RetryCondition {
	return func(res *http.Response, err error) bool {
		if res != nil && res.StatusCode != 0 {
			return retryableStatusCodes[res.StatusCode]
		}
		return err != nil && !isPermanentNetworkError(err)
	}
}

// Enabled returns true if the config allows at least one retry.
func (c RetryConfig) Enabled() bool {
	return c.Condition != nil && c.Count > 0
}

// NewBackoff returns an exponential backoff without randomization.
func (c RetryConfig) NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.WaitTimeStart
	b.MaxInterval = c.WaitTimeMax
	b.MaxElapsedTime = c.TotalRequestTimeout
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// shouldRetry returns true, if the attempt with the number should be followed by another one.
func (c RetryConfig) shouldRetry(attempt int, res *http.Response, err error) bool {
	return c.Enabled() && attempt < c.Count && c.Condition(res, err)
}

// delay returns the delay before the next attempt, false means the time is up.
func (c RetryConfig) delay(b backoff.BackOff, res *http.Response, now time.Time) (time.Duration, bool) {
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	if c.RetryAfter && res != nil {
		if v, ok := parseRetryAfter(res.Header.Get("Retry-After"), now); ok && v > delay {
			delay = v
			if c.WaitTimeMax > 0 && delay > c.WaitTimeMax {
				delay = c.WaitTimeMax
			}
		}
	}
	return delay, true
}

// parseRetryAfter accepts delay seconds or a HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func isPermanentNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no such host") || strings.Contains(msg, "No address associated with hostname")
}
