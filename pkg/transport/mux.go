// Package transport routes requests to a request.Transport by the URL scheme.
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/scope"
)

// UnsupportedSchemeError is returned by the Mux if no transport is registered for the URL scheme.
type UnsupportedSchemeError struct {
	Scheme    string
	Supported []string
}

func (e UnsupportedSchemeError) Error() string {
	return fmt.Sprintf(`unsupported URL scheme "%s", supported schemes: %s`, e.Scheme, strings.Join(e.Supported, ", "))
}

// Mux is an immutable request.Transport which routes requests by the URL scheme.
type Mux struct {
	transports map[string]request.Transport
}

func NewMux() Mux {
	return Mux{transports: make(map[string]request.Transport)}
}

// WithTransport returns a clone of the Mux with the transport registered for the schemes.
func (m Mux) WithTransport(transport request.Transport, schemes ...string) Mux {
	if transport == nil {
		panic(fmt.Errorf("transport cannot be nil"))
	}
	clone := make(map[string]request.Transport, len(m.transports)+len(schemes))
	for k, v := range m.transports {
		clone[k] = v
	}
	for _, scheme := range schemes {
		clone[strings.ToLower(scheme)] = transport
	}
	m.transports = clone
	return m
}

// Schemes returns sorted registered schemes.
func (m Mux) Schemes() []string {
	out := make([]string, 0, len(m.transports))
	for scheme := range m.transports {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func (m Mux) StartData(ctx context.Context, s *scope.Active, spec request.Spec, done request.DataSink) (request.Handle, error) {
	t, err := m.route(spec)
	if err != nil {
		return nil, err
	}
	return t.StartData(ctx, s, spec, done)
}

func (m Mux) StartDownload(ctx context.Context, s *scope.Active, spec request.Spec, done request.FileSink) (request.Handle, error) {
	t, err := m.route(spec)
	if err != nil {
		return nil, err
	}
	return t.StartDownload(ctx, s, spec, done)
}

func (m Mux) route(spec request.Spec) (request.Transport, error) {
	scheme := strings.ToLower(spec.URL().Scheme)
	if t, found := m.transports[scheme]; found {
		return t, nil
	}
	return nil, UnsupportedSchemeError{Scheme: scheme, Supported: m.Schemes()}
}
