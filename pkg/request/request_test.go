package request_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/keboola/go-utils/pkg/orderedmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/transport/transporttest"
)

func newRequest(t *testing.T, rawURL string) request.Request {
	t.Helper()
	r, err := request.New(transporttest.NewStub(transporttest.Respond(http.StatusOK, "ok")), rawURL)
	require.NoError(t, err)
	return r
}

func TestNew_InvalidURL(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"   ",
		"not a url",
		"/relative/path",
		"example.com/foo",
		"https://",
		"http://[::1",
	}

	for _, rawURL := range cases {
		stub := transporttest.NewStub(transporttest.Respond(http.StatusOK, "ok"))
		_, err := request.New(stub, rawURL)
		require.Error(t, err, rawURL)

		var urlErr *request.InvalidURLError
		require.True(t, errors.As(err, &urlErr), rawURL)
		assert.Equal(t, rawURL, urlErr.URL)
		assert.ErrorIs(t, err, request.ErrInvalidURL)
		assert.Equal(t, 0, stub.Starts())
	}
}

func TestNew_NilTransport(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		_, _ = request.New(nil, "https://example.com")
	})
}

func TestRequest_Defaults(t *testing.T) {
	t.Parallel()
	r := newRequest(t, "https://example.com/a/b.txt")
	assert.Equal(t, http.MethodGet, r.Method())
	assert.Equal(t, "https://example.com/a/b.txt", r.URL().String())
	assert.Empty(t, r.Header())
	assert.Equal(t, "b.txt", r.Filename())

	spec, err := r.Spec()
	require.NoError(t, err)
	assert.False(t, spec.HasBody())
	assert.Nil(t, spec.BodyReader())
}

func TestRequest_Immutability(t *testing.T) {
	t.Parallel()
	a := newRequest(t, "https://example.com")

	// Method
	b := a.WithPost()
	assert.Equal(t, http.MethodGet, a.Method())
	assert.Equal(t, http.MethodPost, b.Method())
	assert.Equal(t, http.MethodPut, b.WithPut().Method())
	assert.Equal(t, http.MethodDelete, b.WithDelete().Method())
	assert.Equal(t, http.MethodGet, b.WithGet().Method())
	assert.Equal(t, http.MethodGet, b.WithMethod("").Method())
	assert.Equal(t, http.MethodPost, b.Method())

	// Header
	c := a.WithHeader("x-foo", "bar")
	assert.Empty(t, a.Header())
	assert.Equal(t, http.Header{"X-Foo": []string{"bar"}}, c.Header())
	d := c.WithHeader("X-FOO", "baz")
	assert.Equal(t, "bar", c.Header().Get("X-Foo"))
	assert.Equal(t, "baz", d.Header().Get("X-Foo"))

	// Body
	e := a.WithStringBody("body")
	aSpec, err := a.Spec()
	require.NoError(t, err)
	eSpec, err := e.Spec()
	require.NoError(t, err)
	assert.False(t, aSpec.HasBody())
	assert.Equal(t, []byte("body"), eSpec.Body())
}

func TestRequest_HeaderOrder(t *testing.T) {
	t.Parallel()
	r := newRequest(t, "https://example.com").
		WithHeader("b", "1").
		WithHeader("a", "2").
		WithHeaders(map[string]string{"c": "3"}).
		WithHeader("b", "4")

	spec, err := r.Spec()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "C"}, spec.HeaderKeys())
	assert.Equal(t, "4", spec.Header().Get("B"))
}

func TestRequest_HeaderRemoval(t *testing.T) {
	t.Parallel()
	value := "bar"
	r := newRequest(t, "https://example.com").
		WithOptionalHeader("X-Foo", &value).
		WithHeader("X-Keep", "1")
	assert.Equal(t, "bar", r.Header().Get("X-Foo"))

	r = r.WithOptionalHeader("X-Foo", nil)
	spec, err := r.Spec()
	require.NoError(t, err)
	assert.Equal(t, []string{"X-Keep"}, spec.HeaderKeys())
	_, found := spec.Header()["X-Foo"]
	assert.False(t, found)

	r = r.WithoutHeader("x-keep")
	assert.Empty(t, r.Header())
}

func TestRequest_JSONBody(t *testing.T) {
	t.Parallel()
	r := newRequest(t, "https://example.com").WithPost().WithJSONBody(map[string]any{"foo": "bar"})
	spec, err := r.Spec()
	require.NoError(t, err)
	assert.JSONEq(t, `{"foo":"bar"}`, string(spec.Body()))
	assert.Equal(t, request.ContentTypeApplicationJSON, spec.Header().Get("Content-Type"))

	// The error is deferred to the perform
	r = r.WithJSONBody(make(chan int))
	_, err = r.Spec()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot encode JSON body")

	// Next body replaces the error
	_, err = r.WithStringBody("foo").Spec()
	assert.NoError(t, err)
}

func TestRequest_FormBody(t *testing.T) {
	t.Parallel()
	r := newRequest(t, "https://example.com").WithPost().WithFormBody(map[string]string{"foo": "bar", "baz": "a b"})
	spec, err := r.Spec()
	require.NoError(t, err)
	assert.Equal(t, "baz=a+b&foo=bar", string(spec.Body()))
	assert.Equal(t, request.ContentTypeFormURLEncoded, spec.Header().Get("Content-Type"))
}

func TestRequest_FormValues(t *testing.T) {
	t.Parallel()
	object := orderedmap.New()
	object.Set("b", 1)
	object.Set("a", true)
	r := newRequest(t, "https://example.com").WithPost().WithFormValues(map[string]any{
		"ids":    []string{"x", "y"},
		"meta":   map[string]string{"k": "v"},
		"count":  10,
		"object": object,
	})
	spec, err := r.Spec()
	require.NoError(t, err)
	assert.Equal(t, "count=10&ids%5B0%5D=x&ids%5B1%5D=y&meta%5Bk%5D=v&object=%7B%22b%22%3A1%2C%22a%22%3Atrue%7D", string(spec.Body()))
	assert.Equal(t, request.ContentTypeFormURLEncoded, spec.Header().Get("Content-Type"))

	// Encoding error is returned by Perform
	r = newRequest(t, "https://example.com").WithPost().WithFormValues(map[string]any{"foo": struct{}{}})
	_, err = r.Spec()
	require.Error(t, err)
	assert.Equal(t, `cannot encode form body: key "foo": cannot cast struct {} to string: unable to cast struct {}{} of type struct {} to string`, err.Error())
}

func TestRequest_Filename(t *testing.T) {
	t.Parallel()
	cases := []struct {
		url      string
		expected string
	}{
		{"https://example.com/a/report.json", "report.json"},
		{"https://example.com/a/b.txt?foo=bar#baz", "b.txt"},
		{"https://example.com/a/my%20file.csv", "my file.csv"},
		{"https://example.com/a/", request.DefaultFilename},
		{"https://example.com/", request.DefaultFilename},
		{"https://example.com", request.DefaultFilename},
		{"https://example.com/a/..", request.DefaultFilename},
		{"https://example.com/a/.", request.DefaultFilename},
		{"https://example.com/a/b%2Fc", request.DefaultFilename},
		{"https://example.com/a/b%5Cc", request.DefaultFilename},
		{"s3://bucket/dir/object.gz", "object.gz"},
	}

	for _, tc := range cases {
		r := newRequest(t, tc.url)
		assert.Equal(t, tc.expected, r.Filename(), tc.url)
		assert.NotEmpty(t, r.Filename(), tc.url)

		spec, err := r.Spec()
		require.NoError(t, err)
		assert.Equal(t, tc.expected, spec.Filename(), tc.url)
	}
}

func TestRequest_NewHTTPRequest(t *testing.T) {
	t.Parallel()
	r := newRequest(t, "https://example.com/foo").WithPut().WithHeader("X-Foo", "bar").WithStringBody("body")
	spec, err := r.Spec()
	require.NoError(t, err)

	req, err := spec.NewHTTPRequest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "https://example.com/foo", req.URL.String())
	assert.Equal(t, "bar", req.Header.Get("X-Foo"))
	assert.Equal(t, int64(4), req.ContentLength)
	require.NotNil(t, req.GetBody)
}
