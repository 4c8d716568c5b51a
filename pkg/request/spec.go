package request

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/keboola/go-utils/pkg/orderedmap"
)

// DefaultFilename is used for downloads if no filename can be derived from the URL.
const DefaultFilename = "requestr"

// Spec is an immutable description of one request, the result of the Request builder.
// It implements the trace.Definition interface.
type Spec struct {
	rawURL   string
	url      *url.URL
	method   string
	header   *orderedmap.OrderedMap
	body     []byte
	filename string
}

// RawURL returns the URL as it was passed to the New function.
func (s Spec) RawURL() string {
	return s.rawURL
}

// URL returns a copy of the parsed URL.
func (s Spec) URL() *url.URL {
	clone := *s.url
	return &clone
}

// Method returns the HTTP method, the default is GET.
func (s Spec) Method() string {
	return s.method
}

// Header returns a copy of the request headers.
func (s Spec) Header() http.Header {
	out := make(http.Header)
	for _, key := range s.HeaderKeys() {
		value, _ := s.header.Get(key)
		out.Set(key, value.(string))
	}
	return out
}

// HeaderKeys returns canonical header keys in the order in which they were set.
func (s Spec) HeaderKeys() []string {
	if s.header == nil {
		return nil
	}
	return s.header.Keys()
}

// HasBody returns true if the request body is set, it may be empty.
func (s Spec) HasBody() bool {
	return s.body != nil
}

// Body returns the request body, it must not be modified.
func (s Spec) Body() []byte {
	return s.body
}

// BodyReader returns a new reader of the request body, or nil if the body is not set.
func (s Spec) BodyReader() io.ReadCloser {
	if s.body == nil {
		return nil
	}
	return io.NopCloser(bytes.NewReader(s.body))
}

// Filename returns the name under which a downloaded file is stored.
// It is the last segment of the URL path, or DefaultFilename.
func (s Spec) Filename() string {
	return s.filename
}

// NewHTTPRequest creates a http.Request from the Spec.
func (s Spec) NewHTTPRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, s.method, s.url.String(), s.BodyReader())
	if err != nil {
		return nil, err
	}
	req.Header = s.Header()
	if s.body != nil {
		body := s.body
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return req, nil
}

// parseURL accepts only absolute URLs, with a scheme and a host.
func parseURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, &InvalidURLError{URL: rawURL}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL, Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &InvalidURLError{URL: rawURL}
	}
	return u, nil
}

// deriveFilename returns the last segment of the URL path, or DefaultFilename.
func deriveFilename(u *url.URL) string {
	escaped := u.EscapedPath()
	segment := escaped[strings.LastIndexByte(escaped, '/')+1:]
	if v, err := url.PathUnescape(segment); err == nil {
		segment = v
	}
	switch {
	case segment == "", segment == ".", segment == "..":
		return DefaultFilename
	case strings.ContainsAny(segment, "/\\\x00"):
		return DefaultFilename
	default:
		return segment
	}
}
