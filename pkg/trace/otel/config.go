package otel

import (
	"strings"

	"go.opentelemetry.io/otel/propagation"
)

// defaultRedactedHeaders carry credentials, they are never reported.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Set-Cookie",
	"WWW-Authenticate",
}

type config struct {
	propagators         propagation.TextMapPropagator
	redactedQueryParams set
	redactedHeaders     set
}

// set of lowercase names.
type set map[string]struct{}

func (s set) add(names ...string) {
	for _, name := range names {
		s[strings.ToLower(name)] = struct{}{}
	}
}

type Option func(*config)

// WithPropagators injects the trace context to outgoing request headers.
func WithPropagators(v propagation.TextMapPropagator) Option {
	return func(c *config) {
		c.propagators = v
	}
}

// WithRedactedQueryParam masks values of the query parameters, the name is case-insensitive.
func WithRedactedQueryParam(params ...string) Option {
	return func(c *config) {
		c.redactedQueryParams.add(params...)
	}
}

// WithRedactedHeaders masks values of the headers, in addition to the default credential headers.
func WithRedactedHeaders(headers ...string) Option {
	return func(c *config) {
		c.redactedHeaders.add(headers...)
	}
}

func newConfig(opts []Option) config {
	cfg := config{redactedQueryParams: make(set), redactedHeaders: make(set)}
	cfg.redactedHeaders.add(defaultRedactedHeaders...)
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}
