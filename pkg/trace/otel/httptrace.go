package otel

import (
	"crypto/tls"
	"net/http/httptrace"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/keboola/go-requestr/pkg/trace"
)

// Low-level spans, children of the current transport attempt span.
const (
	httpDNSSpanName            = httpSpanPrefix + "dns"
	httpGetConnSpanName        = httpSpanPrefix + "getconn"
	httpConnectSpanName        = httpSpanPrefix + "connect"
	httpTLSHandshakeSpanName   = httpSpanPrefix + "tls"
	httpSendSpanName           = httpSpanPrefix + "send"
	httpReceiveSpanName        = httpSpanPrefix + "receive"
	attrDNSAddresses           = attribute.Key("http.dns.addrs")
	attrRemoteAddr             = attribute.Key("http.remote")
	attrLocalAddr              = attribute.Key("http.local")
	attrConnectionReused       = attribute.Key("http.conn.reused")
	attrConnectionWasIdle      = attribute.Key("http.conn.wasidle")
	attrConnectionIdleTime     = attribute.Key("http.conn.idletime")
	attrConnectionStartNetwork = attribute.Key("http.conn.start.network")
	attrConnectionDoneNetwork  = attribute.Key("http.conn.done.network")
	attrConnectionDoneAddr     = attribute.Key("http.conn.done.addr")
)

// phase is a low-level span with a start and an end hook.
type phase struct {
	trace *requestTrace
	name  string
	span  otelTrace.Span
}

func (t *requestTrace) phase(name string) *phase {
	return &phase{trace: t, name: name}
}

func (p *phase) start(attrs ...attribute.KeyValue) {
	p.trace.lock.Lock()
	defer p.trace.lock.Unlock()
	parent := p.trace.attemptCtx
	if parent == nil {
		parent = p.trace.ctx
	}
	_, p.span = p.trace.tracer.Start(parent, p.name, otelTrace.WithSpanKind(otelTrace.SpanKindClient), otelTrace.WithAttributes(attrs...))
}

func (p *phase) end(err error, attrs ...attribute.KeyValue) {
	p.trace.lock.Lock()
	defer p.trace.lock.Unlock()
	if p.span == nil {
		return
	}
	p.span.SetAttributes(attrs...)
	endSpan(p.span, err)
	p.span = nil
}

// registerLowLevel registers native httptrace hooks.
// The "otelhttptrace" package from the opentelemetry-contrib module does not end spans:
// https://github.com/open-telemetry/opentelemetry-go-contrib/issues/399
func (t *requestTrace) registerLowLevel(tc *trace.ClientTrace) {
	dns := t.phase(httpDNSSpanName)
	tc.DNSStart = func(info httptrace.DNSStartInfo) {
		dns.start(semconv.NetHostName(info.Host))
	}
	tc.DNSDone = func(info httptrace.DNSDoneInfo) {
		addrs := make([]string, 0, len(info.Addrs))
		for _, addr := range info.Addrs {
			addrs = append(addrs, addr.String())
		}
		dns.end(info.Err, attrDNSAddresses.String(strings.Join(addrs, ";")))
	}

	getConn := t.phase(httpGetConnSpanName)
	tc.GetConn = func(host string) {
		getConn.start(semconv.NetHostName(host))
	}
	tc.GotConn = func(info httptrace.GotConnInfo) {
		attrs := []attribute.KeyValue{attrConnectionReused.Bool(info.Reused), attrConnectionWasIdle.Bool(info.WasIdle)}
		if info.Conn != nil {
			attrs = append(attrs, attrRemoteAddr.String(info.Conn.RemoteAddr().String()), attrLocalAddr.String(info.Conn.LocalAddr().String()))
		}
		if info.WasIdle {
			attrs = append(attrs, attrConnectionIdleTime.String(info.IdleTime.String()))
		}
		getConn.end(nil, attrs...)
	}

	connect := t.phase(httpConnectSpanName)
	tc.ConnectStart = func(network, addr string) {
		connect.start(attrRemoteAddr.String(addr), attrConnectionStartNetwork.String(network))
	}
	tc.ConnectDone = func(network, addr string, err error) {
		connect.end(err, attrConnectionDoneAddr.String(addr), attrConnectionDoneNetwork.String(network))
	}

	// Not reported if the http2.Transport is used directly, without upgrade from the http.Transport.
	handshake := t.phase(httpTLSHandshakeSpanName)
	tc.TLSHandshakeStart = func() {
		handshake.start()
	}
	tc.TLSHandshakeDone = func(_ tls.ConnectionState, err error) {
		handshake.end(err)
	}

	send := t.phase(httpSendSpanName)
	tc.WroteHeaders = func() {
		send.start()
	}
	tc.WroteRequest = func(info httptrace.WroteRequestInfo) {
		send.end(info.Err)
	}
}
