package nethttp

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Default connection limits.
const (
	DialTimeout           = 3 * time.Second
	KeepAlive             = 10 * time.Second
	TLSHandshakeTimeout   = 5 * time.Second
	ResponseHeaderTimeout = 20 * time.Second
	MaxConnectionsPerHost = 32
	// HTTP2 connection health checks.
	http2ReadIdleTimeout  = 3 * time.Second
	http2PingTimeout      = 3 * time.Second
	http2WriteByteTimeout = 3 * time.Second
)

// DefaultTransport is a http.RoundTripper with reasonable limits, HTTP2 is preferred.
// Response bodies are not decompressed by net/http, Content-Encoding is handled by the Transport.
func DefaultTransport() http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           Dialer().DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		MaxConnsPerHost:       MaxConnectionsPerHost,
		MaxIdleConnsPerHost:   MaxConnectionsPerHost,
		DisableCompression:    true,
	}
}

// HTTP2Transport forces HTTP2 protocol, without the upgrade from HTTP/1.1.
func HTTP2Transport() http.RoundTripper {
	tlsDialer := &tls.Dialer{NetDialer: Dialer()}
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			d := *tlsDialer
			d.Config = cfg
			return d.DialContext(ctx, network, addr)
		},
		DisableCompression: true,
		ReadIdleTimeout:    http2ReadIdleTimeout,
		PingTimeout:        http2PingTimeout,
		WriteByteTimeout:   http2WriteByteTimeout,
	}
}

// Dialer is the default dialer.
func Dialer() *net.Dialer {
	return &net.Dialer{Timeout: DialTimeout, KeepAlive: KeepAlive}
}
