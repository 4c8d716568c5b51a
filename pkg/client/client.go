// Package client provides a preconfigured entry point to the request package.
//
// Client routes requests by the URL scheme:
//   - "http" and "https" URLs are sent by the nethttp transport.
//   - Object storage URLs are served by the blobstore transport, if credentials are configured.
//   - Custom transports can be registered by WithTransportFor.
//
// Client is immutable, each With* method returns a modified copy.
package client

import (
	"log/slog"
	"net/http"

	otelMetric "go.opentelemetry.io/otel/metric"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/trace"
	"github.com/keboola/go-requestr/pkg/trace/otel"
	"github.com/keboola/go-requestr/pkg/transport"
	"github.com/keboola/go-requestr/pkg/transport/blobstore"
	"github.com/keboola/go-requestr/pkg/transport/nethttp"
)

type Client struct {
	http         nethttp.Transport
	blob         blobstore.Transport
	custom       transport.Mux
	traceFactory trace.Factory
	logger       *slog.Logger
}

func New() Client {
	return Client{
		http:   nethttp.New(),
		blob:   blobstore.New(),
		custom: transport.NewMux(),
		logger: slog.New(slog.DiscardHandler),
	}
}

// WithTransport returns a clone of the Client with a HTTP transport set.
func (c Client) WithTransport(rt http.RoundTripper) Client {
	c.http = c.http.WithTransport(rt)
	return c
}

// WithUserAgent returns a clone of the Client with user agent set.
func (c Client) WithUserAgent(v string) Client {
	c.http = c.http.WithUserAgent(v)
	return c
}

// WithHeader returns a clone of the Client with common header set.
func (c Client) WithHeader(key, value string) Client {
	c.http = c.http.WithHeader(key, value)
	return c
}

// WithHeaders returns a clone of the Client with common headers set.
func (c Client) WithHeaders(headers map[string]string) Client {
	c.http = c.http.WithHeaders(headers)
	return c
}

// WithRetry returns a clone of the Client with retry config set.
// Retries are disabled by default.
func (c Client) WithRetry(retry nethttp.RetryConfig) Client {
	c.http = c.http.WithRetry(retry)
	return c
}

// WithRateLimit returns a clone of the Client, HTTP requests are limited to the rate with the burst.
func (c Client) WithRateLimit(limit rate.Limit, burst int) Client {
	c.http = c.http.WithRateLimit(limit, burst)
	return c
}

// WithScratchDir returns a clone of the Client, downloads are stored to the directory before they are adopted.
func (c Client) WithScratchDir(dir string) Client {
	c.http = c.http.WithScratchDir(dir)
	c.blob = c.blob.WithScratchDir(dir)
	return c
}

// WithBlobOpener returns a clone of the Client with a bucket opener registered for the URL scheme.
func (c Client) WithBlobOpener(scheme string, opener blobstore.Opener) Client {
	c.blob = c.blob.WithOpener(scheme, opener)
	return c
}

// WithS3Credentials enables "s3://" URLs.
func (c Client) WithS3Credentials(creds blobstore.S3Credentials) Client {
	return c.WithBlobOpener(blobstore.SchemeS3, blobstore.S3(creds, nil))
}

// WithGCSCredentials enables "gs://" URLs.
func (c Client) WithGCSCredentials(creds blobstore.GCSCredentials) Client {
	return c.WithBlobOpener(blobstore.SchemeGCS, blobstore.GCS(creds, nil))
}

// WithAzureCredentials enables "azure://" URLs.
func (c Client) WithAzureCredentials(creds blobstore.ABSCredentials) Client {
	return c.WithBlobOpener(blobstore.SchemeAzure, blobstore.Azure(creds, nil))
}

// WithTransportFor returns a clone of the Client with a custom transport registered for the URL schemes.
// It has priority over the built-in transports.
func (c Client) WithTransportFor(t request.Transport, schemes ...string) Client {
	c.custom = c.custom.WithTransport(t, schemes...)
	return c
}

// WithTrace returns a clone of the Client with Trace hooks set.
func (c Client) WithTrace(fn trace.Factory) Client {
	c.traceFactory = fn
	return c
}

// AndTrace returns a clone of the Client with Trace hooks added.
// Hooks registered earlier are called first.
func (c Client) AndTrace(fn trace.Factory) Client {
	if c.traceFactory == nil {
		return c.WithTrace(fn)
	}
	c.traceFactory = trace.Chain(c.traceFactory, fn)
	return c
}

// WithTelemetry is shortcut for AndTrace(otel.NewTrace(...)).
func (c Client) WithTelemetry(tp otelTrace.TracerProvider, mp otelMetric.MeterProvider, opts ...otel.Option) Client {
	return c.AndTrace(otel.NewTrace(tp, mp, opts...))
}

// WithLogger returns a clone of the Client with the logger set.
// The logger receives conditions which cannot be returned to the caller.
func (c Client) WithLogger(logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c.logger = logger
	c.http = c.http.WithLogger(logger)
	c.blob = c.blob.WithLogger(logger)
	return c
}

// Transport returns the multiplexer of all configured transports.
func (c Client) Transport() transport.Mux {
	mux := transport.NewMux().WithTransport(c.http, "http", "https")
	if schemes := c.blob.Schemes(); len(schemes) > 0 {
		mux = mux.WithTransport(c.blob, schemes...)
	}
	for _, scheme := range c.custom.Schemes() {
		mux = mux.WithTransport(c.custom, scheme)
	}
	return mux
}

// NewRequest creates a GET request with the Client trace hooks and logger.
func (c Client) NewRequest(rawURL string) (request.Request, error) {
	r, err := request.New(c.Transport(), rawURL)
	if err != nil {
		return request.Request{}, err
	}
	if c.traceFactory != nil {
		r = r.WithTrace(c.traceFactory)
	}
	return r.WithLogger(c.logger), nil
}
