package otel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/semconv/v1.18.0/httpconv"

	"github.com/keboola/go-requestr/pkg/trace"
)

const (
	maskedAttrValue = "****"
)

type attributes struct {
	config       config
	resourceName string
	// definition attributes for span and metrics
	definition []attribute.KeyValue
	// definitionExtra attributes for span only
	definitionExtra []attribute.KeyValue
	// httpRequest attributes for span and metrics
	httpRequest []attribute.KeyValue
	// httpRequestExtra attributes for span only
	httpRequestExtra []attribute.KeyValue
	// httpResponse attributes for span and metrics
	httpResponse []attribute.KeyValue
	// httpResponseExtra attributes for span only
	httpResponseExtra []attribute.KeyValue
	// httpResponseError attributes for metrics
	httpResponseError []attribute.KeyValue
}

func newAttributes(cfg config, def trace.Definition) *attributes {
	reqURL := redactURL(cfg, def.URL())
	out := &attributes{config: cfg, resourceName: mustURLPathUnescape(reqURL.Path)}

	// Definition base
	out.definition = []attribute.KeyValue{
		attribute.String("definition.method", def.Method()),
		attribute.String("definition.url.scheme", reqURL.Scheme),
		attribute.String("definition.url.full", mustURLPathUnescape(reqURL.String())),
		attribute.String("definition.url.path", mustURLPathUnescape(reqURL.Path)),
		attribute.String("definition.url.host.full", reqURL.Host),
	}
	if dotPos := strings.IndexByte(reqURL.Host, '.'); dotPos > 0 {
		// Host parts: to trace service name (host prefix) and domain (host suffix).
		out.definition = append(out.definition,
			attribute.String("definition.url.host.prefix", reqURL.Host[:dotPos]),
			attribute.String("definition.url.host.suffix", strings.TrimLeft(reqURL.Host[dotPos:], ".")),
		)
	}

	// Definition params
	out.definitionExtra = append(out.definitionExtra, headerAttrs(cfg, "definition.header.", def.Header())...)
	var queryAttrs []attribute.KeyValue
	for k, v := range reqURL.Query() {
		queryAttrs = append(queryAttrs, attribute.String("definition.params.query."+k, strings.Join(v, ";")))
	}
	slices.SortFunc(queryAttrs, byKey)
	out.definitionExtra = append(out.definitionExtra, queryAttrs...)

	return out
}

func (v *attributes) SetFromRequest(req *http.Request) {
	v.httpRequest, v.httpRequestExtra = nil, nil
	if req != nil {
		// User-Agent is already present in the httpconv attributes
		header := req.Header.Clone()
		header.Del("User-Agent")
		v.httpRequest = httpconv.ClientRequest(req)
		v.httpRequestExtra = headerAttrs(v.config, "http.header.", header)
	}
}

func (v *attributes) SetFromResponse(res *http.Response, err error) {
	v.httpResponse, v.httpResponseExtra = nil, nil
	if res != nil {
		v.httpResponse = httpconv.ClientResponse(res)
		v.httpResponseExtra = headerAttrs(v.config, "http.response.header.", res.Header)
		if length := res.Header.Get("Content-Length"); length != "" {
			v.httpResponseExtra = append(v.httpResponseExtra, attribute.Int64("http.response.content_length", cast.ToInt64(length)))
		}
	}
	v.httpResponseError = errorAttrs(res, err)
}

// errorAttrs classify the attempt result for metrics.
func errorAttrs(res *http.Response, err error) []attribute.KeyValue {
	var netErr net.Error
	isNet := errors.As(err, &netErr)
	return []attribute.KeyValue{
		attribute.Bool("http.response.isSuccess", isSuccess(res, err)),
		attribute.Bool("http.response.error.has", err != nil),
		attribute.Bool("http.response.error.net", isNet),
		attribute.Bool("http.response.error.timeout", isNet && netErr.Timeout()),
		attribute.Bool("http.response.error.cancelled", errors.Is(err, context.Canceled)),
		attribute.Bool("http.response.error.deadline_exceeded", errors.Is(err, context.DeadlineExceeded)),
	}
}

// headerAttrs returns one attribute per header, sorted by key, credentials are masked.
func headerAttrs(cfg config, prefix string, header http.Header) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(header))
	for key, values := range header {
		key = strings.ToLower(key)
		value := maskedAttrValue
		if _, redacted := cfg.redactedHeaders[key]; !redacted {
			value = strings.Join(values, ";")
		}
		attrs = append(attrs, attribute.String(prefix+key, value))
	}
	slices.SortFunc(attrs, byKey)
	return attrs
}

// redactURL returns a copy of the URL without user info and with masked query parameters.
func redactURL(cfg config, in *url.URL) *url.URL {
	out := *in
	out.User = nil
	if out.RawQuery == "" || len(cfg.redactedQueryParams) == 0 {
		return &out
	}
	query := out.Query()
	for key := range query {
		if _, redacted := cfg.redactedQueryParams[strings.ToLower(key)]; redacted {
			query.Set(key, maskedAttrValue)
		}
	}
	out.RawQuery = query.Encode()
	return &out
}

func byKey(a, b attribute.KeyValue) int {
	return strings.Compare(string(a.Key), string(b.Key))
}

func mustURLPathUnescape(in string) string {
	if out, err := url.PathUnescape(in); err == nil {
		return out
	}
	return in
}
