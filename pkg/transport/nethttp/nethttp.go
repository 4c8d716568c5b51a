// Package nethttp provides request.Transport implementation by the Go native net/http package.
//
// Each operation runs on its own goroutine, the result is delivered to the sink in a new scope.
// The Transport supports default headers, retries, rate limiting and decoding of the Content-Encoding.
// Retries are disabled by default, see WithRetry.
package nethttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/keboola/go-requestr/pkg/decode"
	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/scope"
	"github.com/keboola/go-requestr/pkg/trace"
	"github.com/keboola/go-requestr/pkg/transport/counter"
)

// DefaultUserAgent is sent if the request does not specify the User-Agent header.
const DefaultUserAgent = "keboola-go-requestr"

// ScratchFilePattern is the name pattern of files used to store a downloaded body before it is adopted.
const ScratchFilePattern = "requestr-scratch-*"

// Transport is an immutable configuration, each With* method returns a modified copy.
type Transport struct {
	transport  http.RoundTripper
	header     http.Header
	retry      RetryConfig
	limiter    *rate.Limiter
	scratchDir string
	logger     *slog.Logger
}

// New creates a Transport with the DefaultTransport and without retries.
func New() Transport {
	t := Transport{
		transport: DefaultTransport(),
		header:    make(http.Header),
		retry:     NoRetry(),
		logger:    slog.New(slog.DiscardHandler),
	}
	t.header.Set("User-Agent", DefaultUserAgent)
	t.header.Set("Accept-Encoding", decode.AcceptEncoding)
	return t
}

// WithTransport returns a clone of the Transport with a HTTP transport set.
func (t Transport) WithTransport(transport http.RoundTripper) Transport {
	if transport == nil {
		panic(errors.New("transport cannot be nil"))
	}
	t.transport = transport
	return t
}

// WithUserAgent returns a clone of the Transport with user agent set.
func (t Transport) WithUserAgent(v string) Transport {
	return t.WithHeader("User-Agent", v)
}

// WithHeader returns a clone of the Transport with a default header set.
// A header defined by the request has priority.
func (t Transport) WithHeader(key, value string) Transport {
	t.header = t.header.Clone()
	t.header.Set(key, value)
	return t
}

// WithHeaders returns a clone of the Transport with default headers set.
func (t Transport) WithHeaders(headers map[string]string) Transport {
	t.header = t.header.Clone()
	for k, v := range headers {
		t.header.Set(k, v)
	}
	return t
}

// WithRetry returns a clone of the Transport with retry config set.
func (t Transport) WithRetry(retry RetryConfig) Transport {
	t.retry = retry
	return t
}

// WithRateLimit returns a clone of the Transport with a token bucket limiter shared by all its copies and operations.
// Each attempt, including retries, consumes one token.
func (t Transport) WithRateLimit(limit rate.Limit, burst int) Transport {
	t.limiter = rate.NewLimiter(limit, burst)
	return t
}

// WithScratchDir returns a clone of the Transport which stores downloads to the directory.
// The default is os.TempDir.
func (t Transport) WithScratchDir(dir string) Transport {
	t.scratchDir = dir
	return t
}

// WithLogger returns a clone of the Transport with a logger for failures that cannot be delivered.
func (t Transport) WithLogger(logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t.logger = logger
	return t
}

// StartData starts the request on a new goroutine, the body is buffered in memory.
func (t Transport) StartData(ctx context.Context, s *scope.Active, spec request.Spec, done request.DataSink) (request.Handle, error) {
	return t.start(ctx, s, spec, func(req *http.Request) {
		result, err := t.fetchData(req)
		t.deliver(spec, func(s *scope.Active) {
			done(s, result, err)
		})
	})
}

// StartDownload starts the request on a new goroutine, the body is stored to a scratch file.
// The scratch file is removed when the sink returns.
func (t Transport) StartDownload(ctx context.Context, s *scope.Active, spec request.Spec, done request.FileSink) (request.Handle, error) {
	return t.start(ctx, s, spec, func(req *http.Request) {
		result, err := t.fetchFile(req)
		t.deliver(spec, func(s *scope.Active) {
			if result.ScratchPath != "" {
				path := result.ScratchPath
				s.Autorelease(func() error {
					return removeScratchFile(path)
				})
			}
			done(s, result, err)
		})
	})
}

func (t Transport) start(ctx context.Context, s *scope.Active, spec request.Spec, run func(req *http.Request)) (request.Handle, error) {
	s.Check()
	if t.transport == nil {
		panic(errors.New("transport value is not initialized, use nethttp.New"))
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := t.newRequest(ctx, spec)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer cancel()
		run(req)
	}()

	return request.HandleFunc(cancel), nil
}

func (t Transport) newRequest(ctx context.Context, spec request.Spec) (*http.Request, error) {
	req, err := spec.NewHTTPRequest(ctx)
	if err != nil {
		return nil, err
	}

	// Default headers, the request headers have priority
	for k, values := range t.header {
		if _, found := req.Header[k]; !found {
			req.Header[k] = append([]string(nil), values...)
		}
	}

	return req, nil
}

// deliver calls the sink in a new scope, release errors cannot be returned to anybody, so they are logged.
func (t Transport) deliver(spec request.Spec, fn func(s *scope.Active)) {
	err := scope.Run(func(s *scope.Active) error {
		fn(s)
		return nil
	})
	if err != nil {
		t.logger.Warn("cannot release transport resources", slog.String("method", spec.Method()), slog.String("url", spec.RawURL()), slog.Any("error", err))
	}
}

func (t Transport) fetchData(req *http.Request) (request.DataResult, error) {
	res, err := t.do(req)
	if err != nil {
		return request.DataResult{}, err
	}

	body, readErr := io.ReadAll(res.Body)
	if closeErr := res.Body.Close(); readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		return request.DataResult{}, fmt.Errorf(`cannot read response body %s "%s": %w`, req.Method, req.URL.String(), readErr)
	}

	return request.DataResult{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}

func (t Transport) fetchFile(req *http.Request) (result request.FileResult, err error) {
	res, err := t.do(req)
	if err != nil {
		return request.FileResult{}, err
	}
	defer func() {
		if closeErr := res.Body.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf(`cannot read response body %s "%s": %w`, req.Method, req.URL.String(), closeErr)
		}
	}()

	file, err := os.CreateTemp(t.scratchDir, ScratchFilePattern)
	if err != nil {
		return request.FileResult{}, fmt.Errorf("cannot create scratch file: %w", err)
	}
	path := file.Name()

	_, err = io.Copy(file, res.Body)
	if err != nil {
		err = fmt.Errorf(`cannot read response body %s "%s": %w`, req.Method, req.URL.String(), err)
	} else if err = file.Sync(); err != nil {
		err = fmt.Errorf("cannot sync scratch file: %w", err)
	}
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("cannot close scratch file: %w", closeErr)
	}
	if err != nil {
		if rmErr := removeScratchFile(path); rmErr != nil {
			t.logger.Warn("cannot remove scratch file", slog.String("path", path), slog.Any("error", rmErr))
		}
		return request.FileResult{}, err
	}

	return request.FileResult{StatusCode: res.StatusCode, Header: res.Header, ScratchPath: path}, nil
}

// do sends the request, and returns the response with the decoded and measured body.
func (t Transport) do(req *http.Request) (*http.Response, error) {
	tc := trace.ContextClientTrace(req.Context())
	nativeClient := http.Client{
		Timeout:   t.retry.TotalRequestTimeout,
		Transport: roundTripper{trace: tc, retry: t.retry, limiter: t.limiter, wrapped: t.transport},
	}

	startedAt := time.Now()
	res, err := nativeClient.Do(req)
	if err != nil {
		return nil, sendError(req, startedAt, t.retry.TotalRequestTimeout, err)
	}

	// Content-Encoding
	body := res.Body
	if contentEncoding := res.Header.Get("Content-Encoding"); hasBody(req, res) && decode.IsSupported(contentEncoding) {
		if body, err = decode.Decode(res.Body, contentEncoding); err != nil {
			_ = res.Body.Close()
			return nil, fmt.Errorf(`cannot decode response body %s "%s": %w`, req.Method, req.URL.String(), err)
		}
		res.Header.Del("Content-Encoding")
		res.Header.Del("Content-Length")
		res.ContentLength = -1
		res.Uncompressed = true
	}

	// Measure the body
	res.Body = counter.NewReadCloser(body, func(bytes int64, err error) {
		if tc != nil && tc.HTTPResponseBodyRead != nil {
			tc.HTTPResponseBodyRead(bytes, err)
		}
	})

	return res, nil
}

// hasBody returns false if the response has no body by definition, the Content-Encoding header is then ignored.
func hasBody(req *http.Request, res *http.Response) bool {
	switch {
	case req.Method == http.MethodHead:
		return false
	case res.StatusCode == http.StatusNoContent, res.StatusCode == http.StatusNotModified:
		return false
	default:
		return res.ContentLength != 0
	}
}

func removeScratchFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
