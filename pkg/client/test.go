package client

import (
	"os"

	"github.com/jarcoal/httpmock"

	"github.com/keboola/go-requestr/pkg/trace"
	"github.com/keboola/go-requestr/pkg/transport/nethttp"
)

var testTransport = nethttp.DefaultTransport()

// NewTestClient creates the Client for tests.
//
// If the REQUESTR_TEST_VERBOSE environment variable is set to "true",
// then all HTTP requests and responses are dumped to stdout.
//
// Output may contain unmasked tokens, do not use it in production.
func NewTestClient() Client {
	c := New().WithTransport(testTransport).WithRetry(nethttp.TestingRetry())
	if os.Getenv("REQUESTR_TEST_VERBOSE") == "true" {
		c = c.WithTrace(trace.DumpTracer(os.Stdout))
	}
	return c
}

// NewMockedClient creates the Client with mocked HTTP transport.
func NewMockedClient() (Client, *httpmock.MockTransport) {
	mockTransport := httpmock.NewMockTransport()
	return NewTestClient().WithTransport(mockTransport), mockTransport
}
