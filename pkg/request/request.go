// Package request provides an immutable request builder, see the New function.
//
// A request is sealed by Perform or Download, it cannot be reused afterward.
// Both methods run a synchronous setup phase: the URL is validated and the Transport operation is started.
// The returned continuation.Future is the asynchronous phase, it resolves when the transport delivers the result.
// A setup error is captured in the Future, the transport is never started in such case.
//
//   - Perform buffers the body in memory and resolves to a Response.
//   - Download stores the body to a file in a private temporary directory and resolves to a Downloaded artifact.
//
// A non-2xx status code is not an error, use Response.CheckStatus or Downloaded.CheckStatus.
//
// WaitGroup and RunGroup are helpers for concurrent requests.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/keboola/go-utils/pkg/orderedmap"

	"github.com/keboola/go-requestr/pkg/trace"
)

// Request is an immutable request builder.
// Each With* method returns a modified copy, the original value is not changed.
type Request struct {
	transport    Transport
	rawURL       string
	url          *url.URL
	method       string
	header       *orderedmap.OrderedMap
	body         []byte
	bodyErr      error
	traceFactory trace.Factory
	logger       *slog.Logger
	sealed       *atomic.Bool
}

// New creates a GET request to the URL, the URL must be absolute.
// InvalidURLError is returned if the URL cannot be parsed.
func New(transport Transport, rawURL string) (Request, error) {
	if transport == nil {
		panic(errors.New("transport cannot be nil"))
	}

	u, err := parseURL(rawURL)
	if err != nil {
		return Request{}, err
	}

	return Request{
		transport: transport,
		rawURL:    rawURL,
		url:       u,
		method:    http.MethodGet,
		header:    orderedmap.New(),
		logger:    slog.New(slog.DiscardHandler),
		sealed:    &atomic.Bool{},
	}, nil
}

// Method returns the HTTP method.
func (r Request) Method() string {
	return r.method
}

// URL returns a copy of the parsed URL.
func (r Request) URL() *url.URL {
	r.mustBeInitialized()
	clone := *r.url
	return &clone
}

// Header returns a copy of the request headers.
func (r Request) Header() http.Header {
	return Spec{header: r.header}.Header()
}

// Filename returns the name under which a downloaded file is stored.
func (r Request) Filename() string {
	r.mustBeInitialized()
	return deriveFilename(r.url)
}

// WithMethod sets the HTTP method.
func (r Request) WithMethod(method string) Request {
	r = r.modify()
	if method == "" {
		method = http.MethodGet
	}
	r.method = method
	return r
}

// WithGet is shortcut for WithMethod(http.MethodGet).
func (r Request) WithGet() Request {
	return r.WithMethod(http.MethodGet)
}

// WithPost is shortcut for WithMethod(http.MethodPost).
func (r Request) WithPost() Request {
	return r.WithMethod(http.MethodPost)
}

// WithPut is shortcut for WithMethod(http.MethodPut).
func (r Request) WithPut() Request {
	return r.WithMethod(http.MethodPut)
}

// WithDelete is shortcut for WithMethod(http.MethodDelete).
func (r Request) WithDelete() Request {
	return r.WithMethod(http.MethodDelete)
}

// WithHeader sets a single header field and its value, the last write wins.
func (r Request) WithHeader(key, value string) Request {
	r = r.modify()
	r.header = cloneHeader(r.header)
	r.header.Set(http.CanonicalHeaderKey(key), value)
	return r
}

// WithoutHeader removes the header field.
func (r Request) WithoutHeader(key string) Request {
	r = r.modify()
	r.header = cloneHeader(r.header)
	r.header.Delete(http.CanonicalHeaderKey(key))
	return r
}

// WithOptionalHeader sets the header field if the value is not nil, otherwise it removes the field.
func (r Request) WithOptionalHeader(key string, value *string) Request {
	if value == nil {
		return r.WithoutHeader(key)
	}
	return r.WithHeader(key, *value)
}

// WithHeaders sets multiple header fields.
func (r Request) WithHeaders(headers map[string]string) Request {
	r = r.modify()
	r.header = cloneHeader(r.header)
	for k, v := range headers {
		r.header.Set(http.CanonicalHeaderKey(k), v)
	}
	return r
}

// WithBody sets the request body.
func (r Request) WithBody(body []byte) Request {
	r = r.modify()
	if body == nil {
		body = []byte{}
	}
	r.body = body
	r.bodyErr = nil
	return r
}

// WithStringBody sets the request body.
func (r Request) WithStringBody(body string) Request {
	return r.WithBody([]byte(body))
}

// WithJSONBody sets the request body to the JSON value and Content-Type header to "application/json".
// An encoding error is returned by Perform or Download.
func (r Request) WithJSONBody(body any) Request {
	r = r.modify()
	if v, err := json.Marshal(body); err == nil {
		r.body, r.bodyErr = v, nil
	} else {
		r.body, r.bodyErr = nil, fmt.Errorf(`cannot encode JSON body: %w`, err)
	}
	return r.WithContentType(ContentTypeApplicationJSON)
}

// WithFormBody sets the form body and Content-Type header to "application/x-www-form-urlencoded".
func (r Request) WithFormBody(form map[string]string) Request {
	formData := make(url.Values)
	for k, v := range form {
		formData.Set(k, v)
	}
	return r.WithStringBody(formData.Encode()).WithContentType(ContentTypeFormURLEncoded)
}

// WithContentType sets the Content-Type header.
func (r Request) WithContentType(contentType string) Request {
	return r.WithHeader("Content-Type", contentType)
}

// WithTrace replaces trace hooks.
func (r Request) WithTrace(fn trace.Factory) Request {
	r = r.modify()
	r.traceFactory = fn
	return r
}

// AndTrace adds trace hooks, hooks registered earlier are called first.
func (r Request) AndTrace(fn trace.Factory) Request {
	r = r.modify()
	if r.traceFactory == nil {
		r.traceFactory = fn
	} else {
		r.traceFactory = trace.Chain(r.traceFactory, fn)
	}
	return r
}

// WithLogger sets the logger for conditions that cannot be returned to the caller,
// for example a late result delivered after cancellation, or a failed cleanup of an unclosed artifact.
func (r Request) WithLogger(logger *slog.Logger) Request {
	r = r.modify()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r.logger = logger
	return r
}

// Spec returns the specification of the request without sealing it.
func (r Request) Spec() (Spec, error) {
	r.mustBeInitialized()
	if r.bodyErr != nil {
		return Spec{}, r.bodyErr
	}
	return Spec{
		rawURL:   r.rawURL,
		url:      r.URL(),
		method:   r.method,
		header:   cloneHeader(r.header),
		body:     r.body,
		filename: deriveFilename(r.url),
	}, nil
}

// seal freezes the request into an immutable Spec, the request cannot be performed again.
// The URL has been validated by New, it cannot be modified afterward.
func (r Request) seal() (Spec, error) {
	r.mustBeInitialized()
	if !r.sealed.CompareAndSwap(false, true) {
		return Spec{}, ErrSealed
	}
	return r.Spec()
}

// modify returns a copy of the request with a new sealed flag.
func (r Request) modify() Request {
	r.mustBeInitialized()
	if r.sealed.Load() {
		panic(fmt.Errorf(`request %s "%s" has already been performed, it cannot be modified`, r.method, r.rawURL))
	}
	r.sealed = &atomic.Bool{}
	return r
}

func (r Request) mustBeInitialized() {
	if r.sealed == nil {
		panic(errors.New("request is not initialized, use request.New"))
	}
}

func (r Request) startTrace(ctx context.Context, spec Spec) (context.Context, *trace.ClientTrace) {
	if r.traceFactory == nil {
		return ctx, nil
	}
	ctx, t := r.traceFactory(ctx, spec)
	if t == nil {
		return ctx, nil
	}
	return trace.ContextWithClientTrace(ctx, t), t
}

func cloneHeader(in *orderedmap.OrderedMap) *orderedmap.OrderedMap {
	out := orderedmap.New()
	if in == nil {
		return out
	}
	for _, key := range in.Keys() {
		value, _ := in.Get(key)
		out.Set(key, value)
	}
	return out
}
