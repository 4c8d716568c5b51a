package request

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Response is a buffered response.
type Response struct {
	statusCode int
	header     http.Header
	body       Data
}

// Data is a response body.
type Data struct {
	bytes       []byte
	contentType string
}

func newResponse(result DataResult) *Response {
	header := result.Header
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		statusCode: result.StatusCode,
		header:     header,
		body:       Data{bytes: result.Body, contentType: header.Get("Content-Type")},
	}
}

// StatusCode returns the HTTP status code.
func (r *Response) StatusCode() int {
	return r.statusCode
}

// Header returns the response headers.
func (r *Response) Header() http.Header {
	return r.header
}

// Body returns the response body.
func (r *Response) Body() Data {
	return r.body
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return IsSuccess(r.statusCode)
}

// CheckStatus returns the body, and StatusCodeError if the status code is not 2xx.
// The body is returned also in the error case, for example to decode a JSON error payload.
func (r *Response) CheckStatus() (Data, error) {
	if !r.IsSuccess() {
		return r.body, &StatusCodeError{StatusCode: r.statusCode, Body: r.body}
	}
	return r.body, nil
}

// Bytes returns the body, the slice must not be modified.
func (d Data) Bytes() []byte {
	return d.bytes
}

func (d Data) String() string {
	return string(d.bytes)
}

// Len returns the body length in bytes.
func (d Data) Len() int {
	return len(d.bytes)
}

// Reader returns a new reader of the body.
func (d Data) Reader() io.Reader {
	return bytes.NewReader(d.bytes)
}

// ContentType returns the Content-Type header of the response.
func (d Data) ContentType() string {
	return d.contentType
}

// IsJSON returns true if the Content-Type header is JSON, for example "application/problem+json".
func (d Data) IsJSON() bool {
	return isJSONContentType(d.contentType)
}

// DecodeJSON decodes the body to the target value.
func (d Data) DecodeJSON(target any) error {
	if err := json.Unmarshal(d.bytes, target); err != nil {
		return fmt.Errorf(`cannot decode JSON body: %w`, err)
	}
	return nil
}
