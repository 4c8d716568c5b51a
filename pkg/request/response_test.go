package request_test

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/transport/transporttest"
)

func TestData_JSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		contentType string
		json        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/problem+json", true},
		{"application/vnd.api+json", true},
		{"text/plain", false},
		{"", false},
		{"invalid;;", false},
	}

	for _, tc := range cases {
		stub := transporttest.NewStub(func(request.Spec) (transporttest.Result, error) {
			return transporttest.Result{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{tc.contentType}},
				Body:       []byte(`{"foo":"bar"}`),
			}, nil
		})
		res, err := mustNew(t, stub, "https://example.com").Send(t.Context())
		require.NoError(t, err)

		body := res.Body()
		assert.Equal(t, tc.contentType, body.ContentType())
		assert.Equal(t, tc.json, body.IsJSON(), tc.contentType)
		assert.Equal(t, 13, body.Len())

		content, err := io.ReadAll(body.Reader())
		require.NoError(t, err)
		assert.Equal(t, `{"foo":"bar"}`, string(content))

		target := struct {
			Foo string `json:"foo"`
		}{}
		require.NoError(t, body.DecodeJSON(&target))
		assert.Equal(t, "bar", target.Foo)
	}
}

func TestData_DecodeJSONError(t *testing.T) {
	t.Parallel()
	res, err := mustNew(t, transporttest.NewStub(transporttest.Respond(http.StatusOK, "{")), "https://example.com").Send(t.Context())
	require.NoError(t, err)
	var target map[string]any
	err = res.Body().DecodeJSON(&target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot decode JSON body")
}

func TestErrors_Message(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `invalid url "foo"`, (&request.InvalidURLError{URL: "foo"}).Error())
	assert.Equal(t, "platform error: timeout", (&request.PlatformError{Err: errors.New("timeout")}).Error())
	assert.Equal(t, "unexpected status code: 500 Internal Server Error", (&request.StatusCodeError{StatusCode: 500}).Error())
	assert.True(t, request.IsSuccess(200))
	assert.True(t, request.IsSuccess(299))
	assert.False(t, request.IsSuccess(300))
	assert.False(t, request.IsSuccess(199))
}
