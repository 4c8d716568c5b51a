package trace_test

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/go-requestr/pkg/trace"
)

type definition struct {
	method string
	url    *url.URL
}

func (d definition) Method() string      { return d.method }
func (d definition) URL() *url.URL       { return d.url }
func (d definition) Header() http.Header { return http.Header{} }

func testDefinition(t *testing.T) trace.Definition {
	t.Helper()
	u, err := url.Parse("https://example.com/a/b.txt")
	require.NoError(t, err)
	return definition{method: http.MethodGet, url: u}
}

func TestClientTrace_Compose(t *testing.T) {
	t.Parallel()

	var logs strings.Builder
	old := &trace.ClientTrace{
		Cancelled: func() { logs.WriteString("old cancelled\n") },
		ArtifactAdopted: func(path string) {
			logs.WriteString("old artifact " + path + "\n")
		},
	}
	current := &trace.ClientTrace{
		Cancelled: func() { logs.WriteString("new cancelled\n") },
	}
	current.Compose(old)
	current.Compose(nil)

	current.Cancelled()
	current.ArtifactAdopted("/tmp/file")

	expected := "old cancelled\nnew cancelled\nold artifact /tmp/file\n"
	assert.Equal(t, expected, logs.String())
}

func TestChain(t *testing.T) {
	t.Parallel()

	var logs strings.Builder
	factory := trace.Chain(
		func(ctx context.Context, def trace.Definition) (context.Context, *trace.ClientTrace) {
			logs.WriteString("1: factory " + def.Method() + " " + def.URL().String() + "\n")
			return ctx, &trace.ClientTrace{
				RequestProcessed: func(result any, err error) { logs.WriteString("1: processed\n") },
			}
		},
		nil,
		func(ctx context.Context, def trace.Definition) (context.Context, *trace.ClientTrace) {
			logs.WriteString("2: factory\n")
			return ctx, nil
		},
		func(ctx context.Context, def trace.Definition) (context.Context, *trace.ClientTrace) {
			logs.WriteString("3: factory\n")
			return ctx, &trace.ClientTrace{
				RequestProcessed: func(result any, err error) { logs.WriteString("3: processed\n") },
			}
		},
	)

	_, clientTrace := factory(context.Background(), testDefinition(t))
	require.NotNil(t, clientTrace)
	clientTrace.RequestProcessed(nil, nil)

	expected := `
1: factory GET https://example.com/a/b.txt
2: factory
3: factory
1: processed
3: processed
`
	assert.Equal(t, strings.TrimLeft(expected, "\n"), logs.String())
}

func TestContextWithClientTrace(t *testing.T) {
	t.Parallel()

	var logs strings.Builder
	ctx := context.Background()
	assert.Nil(t, trace.ContextClientTrace(ctx))

	ctx = trace.ContextWithClientTrace(ctx, &trace.ClientTrace{
		ClientTrace: httptrace.ClientTrace{
			DNSStart: func(info httptrace.DNSStartInfo) { logs.WriteString("1: dns " + info.Host + "\n") },
		},
		Cancelled: func() { logs.WriteString("1: cancelled\n") },
	})
	ctx = trace.ContextWithClientTrace(ctx, &trace.ClientTrace{
		ClientTrace: httptrace.ClientTrace{
			DNSStart: func(info httptrace.DNSStartInfo) { logs.WriteString("2: dns " + info.Host + "\n") },
		},
		Cancelled: func() { logs.WriteString("2: cancelled\n") },
	})

	clientTrace := trace.ContextClientTrace(ctx)
	require.NotNil(t, clientTrace)
	clientTrace.Cancelled()

	// Native hooks are registered by httptrace
	httptrace.ContextClientTrace(ctx).DNSStart(httptrace.DNSStartInfo{Host: "example.com"})

	expected := `
1: cancelled
2: cancelled
2: dns example.com
1: dns example.com
`
	assert.Equal(t, strings.TrimLeft(expected, "\n"), logs.String())
}
