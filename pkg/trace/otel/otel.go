// Package otel provides OpenTelemetry tracing and metrics for requests.
//
// The package provides 3 types of telemetry:
// 1. Low-level [httptrace] telemetry:
//   - It provides spans for HTTP request parts, for example: "http.dns", "http.tls", "http.getconn".
//   - Span names start with "http".
//   - Metrics are not provided.
//
// 2. Transport attempt telemetry:
//   - It provides span and metrics for every transport attempt, including redirects and retries.
//   - Span name is "http.request", it is used also for object storage operations.
//   - Metrics names start with "keboola.go.http." (httpMeterPrefix const).
//
// 3. Request telemetry:
//   - It provides span and metrics for each request started by Perform or Download.
//   - Main span "keboola.go.requestr.request" wraps all attempts, it ends on delivery or cancellation.
//   - Span "keboola.go.requestr.retry.delay" tracks delay before retry.
//   - Metrics names start with "keboola.go.requestr.request." (requestMeterPrefix const).
//   - For full list of metrics see the requestMeters struct.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelMetric "go.opentelemetry.io/otel/metric"
	metricNoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	otelTrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/keboola/go-requestr/pkg/trace"
)

const (
	traceAppName     = "github.com/keboola/go-requestr"
	attrResourceName = attribute.Key("resource.name")
	// Transport attempts, one per redirect and retry.
	httpMeterPrefix     = "keboola.go.http."
	httpSpanPrefix      = "http."
	httpRequestSpanName = httpSpanPrefix + "request"
	// Requests.
	requestSpanPrefix        = "keboola.go.requestr."
	requestSpanName          = requestSpanPrefix + "request"
	requestRetryDelaySpan    = requestSpanPrefix + "retry.delay"
	requestMeterPrefix       = requestSpanPrefix + "request."
	artifactAdoptedEventName = "artifact.adopted"
	attrArtifactPath         = attribute.Key("artifact.path")
	attrArtifactSize         = attribute.Key("artifact.size")
	attrCancelled            = attribute.Key("request.cancelled")
	attrResponseBodySize     = attribute.Key("http.response.body.size")
	attrRetryAttempt         = attribute.Key("request.retry.attempt")
	attrRetryDelayMs         = attribute.Key("request.retry.delay_ms")
	attrRetryDelayString     = attribute.Key("request.retry.delay_string")
	// Extra attributes for DataDog.
	attrSpanKind            = attribute.Key("span.kind")
	attrSpanKindValueClient = "client"
	attrSpanType            = attribute.Key("span.type")
	attrSpanTypeValueHTTP   = "http"
)

var errCancelled = errors.New("request cancelled")

type telemetry struct {
	config config
	tracer otelTrace.Tracer
	meters *allMeters
}

// requestTrace holds the state of one traced request.
// Hooks are called from the transport goroutine and from the caller goroutine, so the state is guarded by the lock.
type requestTrace struct {
	*telemetry
	lock  sync.Mutex
	attrs *attributes

	ctx       context.Context
	startTime time.Time
	root      otelTrace.Span
	delay     otelTrace.Span

	// Current transport attempt
	attemptCtx   context.Context
	attemptStart time.Time
	attempt      otelTrace.Span
	receive      otelTrace.Span
}

// NewTrace creates a trace.Factory which reports spans and metrics to the providers.
// Nil providers are replaced by no-op implementations.
func NewTrace(tracerProvider otelTrace.TracerProvider, meterProvider otelMetric.MeterProvider, opts ...Option) trace.Factory {
	if tracerProvider == nil {
		tracerProvider = noop.NewTracerProvider()
	}
	if meterProvider == nil {
		meterProvider = metricNoop.NewMeterProvider()
	}
	tel := &telemetry{
		config: newConfig(opts),
		tracer: tracerProvider.Tracer(traceAppName),
		meters: newMeters(meterProvider.Meter(traceAppName)),
	}
	return func(ctx context.Context, def trace.Definition) (context.Context, *trace.ClientTrace) {
		t := tel.start(ctx, def)
		return t.ctx, t.hooks()
	}
}

func (tel *telemetry) start(ctx context.Context, def trace.Definition) *requestTrace {
	t := &requestTrace{telemetry: tel, attrs: newAttributes(tel.config, def), startTime: time.Now()}
	tel.meters.request.inFlight.Add(ctx, 1, otelMetric.WithAttributes(t.attrs.definition...))

	// The root span may contain multiple transport attempts: redirects, retries.
	t.ctx, t.root = tel.tracer.Start(
		ctx,
		requestSpanName,
		otelTrace.WithSpanKind(otelTrace.SpanKindClient),
		otelTrace.WithAttributes(
			attrResourceName.String(t.attrs.resourceName),
			attrSpanKind.String(attrSpanKindValueClient),
			attrSpanType.String(attrSpanTypeValueHTTP),
		),
		otelTrace.WithAttributes(t.attrs.definition...),
		otelTrace.WithAttributes(t.attrs.definitionExtra...),
	)
	return t
}

func (t *requestTrace) hooks() *trace.ClientTrace {
	tc := &trace.ClientTrace{
		HTTPRequestStart:     t.attemptStarted,
		HTTPRequestDone:      t.attemptDone,
		HTTPResponseBodyRead: t.bodyRead,
		HTTPRequestRetry:     t.retryScheduled,
		ArtifactAdopted:      t.artifactAdopted,
		LateDelivery:         t.lateDelivery,
		Cancelled: func() {
			t.finish(errCancelled, true)
		},
		RequestProcessed: func(_ any, err error) {
			t.finish(err, false)
		},
	}
	tc.GotFirstResponseByte = t.firstResponseByte
	t.registerLowLevel(tc)
	return tc
}

// finish ends the root span, only the first call has an effect.
func (t *requestTrace) finish(err error, cancelled bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.root == nil {
		return
	}

	elapsedMs := float64(time.Since(t.startTime)) / float64(time.Millisecond)
	definition := otelMetric.WithAttributes(t.attrs.definition...)
	meterAttrs := append([]attribute.KeyValue{attrCancelled.Bool(cancelled)}, t.attrs.definition...)
	meterAttrs = append(meterAttrs, t.attrs.httpResponse...)

	// The in_flight counter must be decremented with the same dimensions as it was incremented.
	t.meters.request.inFlight.Add(t.ctx, -1, definition)
	t.meters.request.duration.Record(t.ctx, elapsedMs, otelMetric.WithAttributes(meterAttrs...))
	if cancelled {
		t.meters.request.cancelled.Add(t.ctx, 1, definition)
	}

	t.endDelay()
	t.root.SetAttributes(t.attrs.httpResponse...)
	t.root.SetAttributes(t.attrs.httpResponseExtra...)
	t.root.SetAttributes(attrCancelled.Bool(cancelled))
	if err == nil {
		t.root.End()
	} else {
		t.root.RecordError(err)
		t.root.SetStatus(codes.Error, err.Error())
		t.root.End(otelTrace.WithStackTrace(!cancelled))
	}
	t.root = nil
}

func (t *requestTrace) attemptStarted(req *http.Request) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.endDelay()
	t.attemptCtx, t.attempt = t.tracer.Start(
		t.ctx,
		httpRequestSpanName,
		otelTrace.WithSpanKind(otelTrace.SpanKindClient),
		otelTrace.WithAttributes(
			attrSpanKind.String(attrSpanKindValueClient),
			attrSpanType.String(attrSpanTypeValueHTTP),
		),
	)
	if t.config.propagators != nil {
		t.config.propagators.Inject(t.attemptCtx, propagation.HeaderCarrier(req.Header))
	}

	t.attemptStart = time.Now()
	t.attrs.SetFromRequest(req)
	t.meters.http.inFlight.Add(t.ctx, 1, otelMetric.WithAttributes(t.attrs.httpRequest...))
	t.attempt.SetAttributes(attrResourceName.String(mustURLPathUnescape(req.URL.Path)))
	t.attempt.SetAttributes(t.attrs.httpRequest...)
	t.attempt.SetAttributes(t.attrs.httpRequestExtra...)
}

func (t *requestTrace) firstResponseByte() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.attemptCtx != nil {
		_, t.receive = t.tracer.Start(t.attemptCtx, httpReceiveSpanName, otelTrace.WithSpanKind(otelTrace.SpanKindClient))
	}
}

func (t *requestTrace) attemptDone(res *http.Response, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	elapsedMs := float64(time.Since(t.attemptStart)) / float64(time.Millisecond)
	request := otelMetric.WithAttributes(t.attrs.httpRequest...)
	t.attrs.SetFromResponse(res, err)
	t.meters.http.inFlight.Add(t.ctx, -1, request)
	t.meters.http.duration.Record(
		t.ctx,
		elapsedMs,
		request,
		otelMetric.WithAttributes(t.attrs.httpResponse...),
		otelMetric.WithAttributes(t.attrs.httpResponseError...),
	)

	if t.attempt != nil {
		t.attempt.SetAttributes(t.attrs.httpResponse...)
		t.attempt.SetAttributes(t.attrs.httpResponseExtra...)
		attemptErr := err
		if attemptErr == nil && isClientOrServerError(res) {
			attemptErr = fmt.Errorf(`HTTP status code: %d %s`, res.StatusCode, http.StatusText(res.StatusCode))
		}
		endSpan(t.attempt, attemptErr)
		t.attempt = nil
	}
	if t.receive != nil {
		endSpan(t.receive, err)
		t.receive = nil
	}
}

func (t *requestTrace) bodyRead(bytes int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.meters.http.bodyBytes.Add(
		t.ctx,
		bytes,
		otelMetric.WithAttributes(t.attrs.httpRequest...),
		otelMetric.WithAttributes(t.attrs.httpResponse...),
	)
	if t.root != nil {
		t.root.SetAttributes(attrResponseBodySize.Int64(bytes))
		if err != nil {
			t.root.RecordError(err)
		}
	}
}

// retryScheduled starts the delay span, it is ended by the next attempt or by the end of the request.
func (t *requestTrace) retryScheduled(attempt int, delay time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.endDelay()
	_, t.delay = t.tracer.Start(
		t.ctx,
		requestRetryDelaySpan,
		otelTrace.WithSpanKind(otelTrace.SpanKindClient),
		otelTrace.WithAttributes(t.attrs.httpRequest...),
		otelTrace.WithAttributes(t.attrs.httpResponse...),
		otelTrace.WithAttributes(
			attrRetryAttempt.Int(attempt),
			attrRetryDelayMs.Int64(delay.Milliseconds()),
			attrRetryDelayString.String(delay.String()),
		),
	)
}

func (t *requestTrace) artifactAdopted(path string) {
	var size int64
	if stat, err := os.Stat(path); err == nil {
		size = stat.Size()
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	t.meters.request.artifactBytes.Add(t.ctx, size, otelMetric.WithAttributes(t.attrs.definition...))
	if t.root != nil {
		t.root.AddEvent(artifactAdoptedEventName, otelTrace.WithAttributes(attrArtifactPath.String(path), attrArtifactSize.Int64(size)))
	}
}

func (t *requestTrace) lateDelivery(error) {
	t.meters.request.lateDeliveries.Add(t.ctx, 1, otelMetric.WithAttributes(t.attrs.definition...))
}

func (t *requestTrace) endDelay() {
	if t.delay != nil {
		t.delay.End()
		t.delay = nil
	}
}

func endSpan(span otelTrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
