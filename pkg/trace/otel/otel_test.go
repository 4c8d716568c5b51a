package otel_test

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	export "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/trace/otel"
	"github.com/keboola/go-requestr/pkg/transport/nethttp"
	"github.com/keboola/go-requestr/pkg/transport/transporttest"
)

const (
	testTraceID    = 0xabcd
	testSpanIDBase = 0x1000
)

type testIDGenerator struct {
	lock   sync.Mutex
	spanID uint16
}

func (g *testIDGenerator) NewIDs(ctx context.Context) (otelTrace.TraceID, otelTrace.SpanID) {
	traceID := toTraceID(testTraceID)
	return traceID, g.NewSpanID(ctx, traceID)
}

func (g *testIDGenerator) NewSpanID(_ context.Context, _ otelTrace.TraceID) otelTrace.SpanID {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.spanID++
	return toSpanID(testSpanIDBase + g.spanID)
}

func toTraceID(in uint16) otelTrace.TraceID { //nolint: unparam
	tmp := make([]byte, 16)
	binary.BigEndian.PutUint16(tmp, in)
	return *(*[16]byte)(tmp)
}

func toSpanID(in uint16) otelTrace.SpanID {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint16(tmp, in)
	return *(*[8]byte)(tmp)
}

type telemetry struct {
	traceExporter  *tracetest.InMemoryExporter
	tracerProvider *sdkTrace.TracerProvider
	metricExporter *export.Exporter
	meterProvider  *metric.MeterProvider
}

func newTelemetry(t *testing.T) *telemetry {
	t.Helper()

	res, err := resource.New(t.Context())
	require.NoError(t, err)

	out := &telemetry{}
	out.traceExporter = tracetest.NewInMemoryExporter()
	out.tracerProvider = sdkTrace.NewTracerProvider(
		sdkTrace.WithSyncer(out.traceExporter),
		sdkTrace.WithResource(res),
		sdkTrace.WithIDGenerator(&testIDGenerator{}),
	)

	out.metricExporter, err = export.New()
	require.NoError(t, err)
	out.meterProvider = metric.NewMeterProvider(
		metric.WithReader(out.metricExporter),
		metric.WithResource(res),
	)
	return out
}

func (tel *telemetry) spans() tracetest.SpanStubs {
	spans := tel.traceExporter.GetSpans()
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].SpanContext.SpanID().String() < spans[j].SpanContext.SpanID().String()
	})
	return spans
}

func (tel *telemetry) spanNames(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, span := range tel.spans() {
		out = append(out, span.Name)

		// All spans must be finished!
		assert.NotZero(t, span.StartTime)
		assert.NotZero(t, span.EndTime)
	}
	return out
}

func (tel *telemetry) metrics(t *testing.T) map[string]metricdata.Aggregation {
	t.Helper()
	all := &metricdata.ResourceMetrics{}
	require.NoError(t, tel.metricExporter.Collect(t.Context(), all))
	require.Len(t, all.ScopeMetrics, 1)
	out := make(map[string]metricdata.Aggregation)
	for _, m := range all.ScopeMetrics[0].Metrics {
		out[m.Name] = m.Data
	}
	return out
}

func metricNames(metrics map[string]metricdata.Aggregation) []string {
	var out []string
	for name := range metrics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func sumValue(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, spew.Sdump(data))
	var out int64
	for _, dp := range sum.DataPoints {
		out += dp.Value
	}
	return out
}

func TestMockedRequest(t *testing.T) {
	t.Parallel()
	tel := newTelemetry(t)

	// Mocked responses (2x retry, OK)
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", `https://connection.keboola.com/v2/storage/tables`, httpmock.ResponderFromMultipleResponses([]*http.Response{
		{StatusCode: http.StatusLocked},
		{StatusCode: http.StatusTooManyRequests},
		{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("OK"))},
	}))
	transport := nethttp.New().WithTransport(mock).WithRetry(nethttp.TestingRetry())

	// Run request
	factory := otel.NewTrace(
		tel.tracerProvider,
		tel.meterProvider,
		otel.WithRedactedQueryParam("secret"),
		otel.WithRedactedHeaders("X-StorageAPI-Token"),
		otel.WithPropagators(propagation.TraceContext{}),
	)
	r, err := request.New(transport, "https://connection.keboola.com/v2/storage/tables?secret=123&foo=bar")
	require.NoError(t, err)
	res, err := r.
		WithHeader("X-StorageAPI-Token", "my-token").
		WithTrace(factory).
		Send(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Body().String())

	// Assert spans
	assert.Equal(t, []string{
		"keboola.go.requestr.request",
		"http.request",
		"keboola.go.requestr.retry.delay",
		"http.request",
		"keboola.go.requestr.retry.delay",
		"http.request",
	}, tel.spanNames(t))

	// Assert root span
	root := tel.spans()[0]
	assert.Equal(t, otelTrace.SpanKindClient, root.SpanKind)
	assert.Equal(t, codes.Unset, root.Status.Code)
	for key, expected := range map[string]string{
		"resource.name":                        "/v2/storage/tables",
		"definition.method":                    "GET",
		"definition.url.full":                  "https://connection.keboola.com/v2/storage/tables?foo=bar&secret=****",
		"definition.url.host.prefix":           "connection",
		"definition.url.host.suffix":           "keboola.com",
		"definition.header.x-storageapi-token": "****",
		"definition.params.query.secret":       "****",
	} {
		value, found := attrValue(root.Attributes, key)
		if assert.True(t, found, key) {
			assert.Equal(t, expected, value.AsString(), key)
		}
	}
	value, found := attrValue(root.Attributes, "http.response.body.size")
	require.True(t, found)
	assert.Equal(t, int64(2), value.AsInt64())
	value, found = attrValue(root.Attributes, "request.cancelled")
	require.True(t, found)
	assert.False(t, value.AsBool())

	// Assert HTTP spans
	for _, span := range tel.spans()[1:] {
		assert.Equal(t, root.SpanContext.SpanID(), span.Parent.SpanID(), span.Name)
	}
	assert.Equal(t, codes.Error, tel.spans()[1].Status.Code)
	assert.Equal(t, "HTTP status code: 423 Locked", tel.spans()[1].Status.Description)
	assert.Equal(t, codes.Unset, tel.spans()[5].Status.Code)

	// Assert metrics
	metrics := tel.metrics(t)
	assert.Equal(t, []string{
		"keboola.go.http.request.duration",
		"keboola.go.http.request.in_flight",
		"keboola.go.http.response.body.size",
		"keboola.go.requestr.request.duration",
		"keboola.go.requestr.request.in_flight",
	}, metricNames(metrics))
	assert.Equal(t, int64(0), sumValue(t, metrics["keboola.go.requestr.request.in_flight"]))
	assert.Equal(t, int64(0), sumValue(t, metrics["keboola.go.http.request.in_flight"]))
	assert.Equal(t, int64(2), sumValue(t, metrics["keboola.go.http.response.body.size"]))
}

func TestPropagation(t *testing.T) {
	t.Parallel()
	tel := newTelemetry(t)

	var traceParent string
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", `https://example.com`, func(req *http.Request) (*http.Response, error) {
		traceParent = req.Header.Get("Traceparent")
		return httpmock.NewStringResponse(http.StatusOK, "OK"), nil
	})

	r, err := request.New(nethttp.New().WithTransport(mock), "https://example.com")
	require.NoError(t, err)
	_, err = r.
		WithTrace(otel.NewTrace(tel.tracerProvider, tel.meterProvider, otel.WithPropagators(propagation.TraceContext{}))).
		Send(t.Context())
	require.NoError(t, err)

	// Trace ID + span ID of the http.request span
	assert.Equal(t, "00-abcd0000000000000000000000000000-1002000000000000-01", traceParent)
}

func TestCancelledRequest(t *testing.T) {
	t.Parallel()
	tel := newTelemetry(t)

	stub := transporttest.NewStub(transporttest.Respond(http.StatusOK, "OK"), transporttest.WithManualCompletion())
	r, err := request.New(stub, "https://example.com/foo")
	require.NoError(t, err)

	future := r.WithTrace(otel.NewTrace(tel.tracerProvider, tel.meterProvider)).Perform(t.Context())
	assert.True(t, future.Cancel())
	assert.Equal(t, 1, stub.Complete())

	// Root span is finished by the cancellation
	assert.Equal(t, []string{"keboola.go.requestr.request"}, tel.spanNames(t))
	root := tel.spans()[0]
	assert.Equal(t, codes.Error, root.Status.Code)
	assert.Equal(t, "request cancelled", root.Status.Description)
	value, found := attrValue(root.Attributes, "request.cancelled")
	require.True(t, found)
	assert.True(t, value.AsBool())

	// Metrics
	metrics := tel.metrics(t)
	assert.Equal(t, []string{
		"keboola.go.requestr.request.cancelled",
		"keboola.go.requestr.request.duration",
		"keboola.go.requestr.request.in_flight",
		"keboola.go.requestr.request.late_delivery",
	}, metricNames(metrics))
	assert.Equal(t, int64(1), sumValue(t, metrics["keboola.go.requestr.request.cancelled"]))
	assert.Equal(t, int64(1), sumValue(t, metrics["keboola.go.requestr.request.late_delivery"]))
	assert.Equal(t, int64(0), sumValue(t, metrics["keboola.go.requestr.request.in_flight"]))
}

func TestDownload(t *testing.T) {
	t.Parallel()
	tel := newTelemetry(t)

	stub := transporttest.NewStub(transporttest.Respond(http.StatusOK, "12345"))
	r, err := request.New(stub, "https://example.com/file.txt")
	require.NoError(t, err)

	d, err := r.WithTrace(otel.NewTrace(tel.tracerProvider, tel.meterProvider)).DownloadAndWait(t.Context())
	require.NoError(t, err)
	defer func() { assert.NoError(t, d.Close()) }()

	// Event on the root span
	root := tel.spans()[0]
	require.Len(t, root.Events, 1)
	assert.Equal(t, "artifact.adopted", root.Events[0].Name)
	value, found := attrValue(root.Events[0].Attributes, "artifact.path")
	require.True(t, found)
	assert.Equal(t, d.CopyPath(), value.AsString())
	value, found = attrValue(root.Events[0].Attributes, "artifact.size")
	require.True(t, found)
	assert.Equal(t, int64(5), value.AsInt64())

	// Metrics
	metrics := tel.metrics(t)
	assert.Equal(t, int64(5), sumValue(t, metrics["keboola.go.requestr.request.artifact.size"]))
}

func TestNoopProviders(t *testing.T) {
	t.Parallel()
	stub := transporttest.NewStub(transporttest.Respond(http.StatusOK, "OK"))
	r, err := request.New(stub, "https://example.com")
	require.NoError(t, err)
	res, err := r.WithTrace(otel.NewTrace(nil, nil)).Send(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Body().String())
}
