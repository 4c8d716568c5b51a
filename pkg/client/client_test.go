package client_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gocloud.dev/blob/memblob"

	"github.com/keboola/go-requestr/pkg/client"
	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/trace"
	"github.com/keboola/go-requestr/pkg/transport"
	"github.com/keboola/go-requestr/pkg/transport/blobstore"
	"github.com/keboola/go-requestr/pkg/transport/transporttest"
)

func TestClient_Routing(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	c, mock := client.NewMockedClient()
	mock.RegisterResponder(http.MethodGet, "https://example.com/data", httpmock.NewStringResponder(http.StatusOK, "http"))

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	require.NoError(t, bucket.WriteAll(ctx, "data", []byte("blob"), nil))
	stub := transporttest.NewStub(transporttest.Respond(http.StatusOK, "custom"))

	c = c.WithBlobOpener("mem", blobstore.SharedBucket(bucket)).WithTransportFor(stub, "custom")
	assert.Equal(t, []string{"custom", "http", "https", "mem"}, c.Transport().Schemes())

	for url, expected := range map[string]string{
		"https://example.com/data": "http",
		"mem://bucket/data":        "blob",
		"custom://host/data":       "custom",
	} {
		r, err := c.NewRequest(url)
		require.NoError(t, err)
		res, err := r.Send(ctx)
		require.NoError(t, err, url)
		assert.Equal(t, expected, res.Body().String(), url)
	}
	assert.Equal(t, 1, stub.Starts())
}

func TestClient_UnsupportedScheme(t *testing.T) {
	t.Parallel()
	c, _ := client.NewMockedClient()
	r, err := c.NewRequest("s3://bucket/key")
	require.NoError(t, err)

	_, err = r.Send(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, request.ErrPlatform)
	assert.ErrorAs(t, err, &transport.UnsupportedSchemeError{})
}

func TestClient_InvalidURL(t *testing.T) {
	t.Parallel()
	_, err := client.New().NewRequest("/relative/path")
	require.Error(t, err)
	assert.ErrorIs(t, err, request.ErrInvalidURL)
}

func TestClient_Headers(t *testing.T) {
	t.Parallel()
	c, mock := client.NewMockedClient()
	c = c.WithUserAgent("my-app").WithHeaders(map[string]string{"X-Foo": "foo", "X-Bar": "bar"})

	var header http.Header
	mock.RegisterResponder(http.MethodGet, "https://example.com", func(req *http.Request) (*http.Response, error) {
		header = req.Header.Clone()
		return httpmock.NewStringResponse(http.StatusOK, "OK"), nil
	})

	r, err := c.NewRequest("https://example.com")
	require.NoError(t, err)
	_, err = r.WithHeader("X-Bar", "request").Send(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "my-app", header.Get("User-Agent"))
	assert.Equal(t, "foo", header.Get("X-Foo"))
	assert.Equal(t, "request", header.Get("X-Bar"))
}

func TestClient_Retry(t *testing.T) {
	t.Parallel()
	c, mock := client.NewMockedClient()
	mock.RegisterResponder(http.MethodGet, "https://example.com", httpmock.ResponderFromMultipleResponses([]*http.Response{
		httpmock.NewStringResponse(http.StatusServiceUnavailable, "unavailable"),
		httpmock.NewStringResponse(http.StatusOK, "OK"),
	}))

	r, err := c.NewRequest("https://example.com")
	require.NoError(t, err)
	res, err := r.Send(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Body().String())
	assert.Equal(t, 2, mock.GetTotalCallCount())
}

func TestClient_AndTrace(t *testing.T) {
	t.Parallel()
	var lock sync.Mutex
	var logs []string
	factory := func(name string) trace.Factory {
		return func(ctx context.Context, _ trace.Definition) (context.Context, *trace.ClientTrace) {
			return ctx, &trace.ClientTrace{
				HTTPRequestStart: func(*http.Request) {
					lock.Lock()
					defer lock.Unlock()
					logs = append(logs, name+" start")
				},
				RequestProcessed: func(any, error) {
					lock.Lock()
					defer lock.Unlock()
					logs = append(logs, name+" processed")
				},
			}
		}
	}

	var out strings.Builder
	c, mock := client.NewMockedClient()
	mock.RegisterResponder(http.MethodGet, "https://example.com", httpmock.NewStringResponder(http.StatusOK, "OK"))
	c = c.WithTrace(factory("first")).AndTrace(factory("second")).AndTrace(trace.LogTracer(&out))

	r, err := c.NewRequest("https://example.com")
	require.NoError(t, err)
	_, err = r.Send(t.Context())
	require.NoError(t, err)

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, []string{"first start", "second start", "first processed", "second processed"}, logs)
	assert.Contains(t, out.String(), `HTTP_REQUEST[0001] START GET "https://example.com"`)
}

func TestClient_WithTelemetry(t *testing.T) {
	t.Parallel()
	exporter := tracetest.NewInMemoryExporter()
	tracerProvider := sdkTrace.NewTracerProvider(sdkTrace.WithSyncer(exporter))

	c, mock := client.NewMockedClient()
	mock.RegisterResponder(http.MethodGet, "https://example.com/file.csv", httpmock.NewStringResponder(http.StatusOK, "a,b"))
	c = c.WithTelemetry(tracerProvider, nil)

	r, err := c.NewRequest("https://example.com/file.csv")
	require.NoError(t, err)
	d, err := r.DownloadAndWait(t.Context())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	var names []string
	for _, span := range exporter.GetSpans() {
		names = append(names, span.Name)
	}
	assert.Contains(t, names, "http.request")
}
