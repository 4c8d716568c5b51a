// Package decode unwraps response bodies by their Content-Encoding.
package decode

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding lists encodings supported by Decode, it is used as the default Accept-Encoding header.
const AcceptEncoding = "gzip, deflate, br"

// Decode wraps body by a decoder for the content encoding.
// Closing the returned reader closes also the body.
//
// The decoder is created lazily, on the first read, so an empty body reads as io.EOF.
// A body with an unknown encoding is returned unchanged, see IsSupported.
func Decode(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	switch normalize(contentEncoding) {
	case "gzip", "x-gzip":
		return &lazyReader{body: body, open: func(r io.Reader) (io.Reader, io.Closer, error) {
			v, err := gzip.NewReader(r)
			if err != nil {
				return nil, nil, fmt.Errorf("cannot decode gzip: %w", err)
			}
			return v, v, nil
		}}, nil
	case "deflate":
		return &lazyReader{body: body, open: func(r io.Reader) (io.Reader, io.Closer, error) {
			v := flate.NewReader(r)
			return v, v, nil
		}}, nil
	case "br":
		return &lazyReader{body: body, open: func(r io.Reader) (io.Reader, io.Closer, error) {
			return brotli.NewReader(r), nil, nil
		}}, nil
	default:
		return body, nil
	}
}

// IsSupported returns true if Decode unwraps the content encoding.
// The identity encoding is not considered supported, there is nothing to unwrap.
func IsSupported(contentEncoding string) bool {
	switch normalize(contentEncoding) {
	case "gzip", "x-gzip", "deflate", "br":
		return true
	default:
		return false
	}
}

// IsIdentity returns true if the content encoding does not modify the body.
func IsIdentity(contentEncoding string) bool {
	switch normalize(contentEncoding) {
	case "", "identity":
		return true
	default:
		return false
	}
}

func normalize(contentEncoding string) string {
	return strings.ToLower(strings.TrimSpace(contentEncoding))
}

type lazyReader struct {
	body    io.ReadCloser
	open    func(r io.Reader) (io.Reader, io.Closer, error)
	decoder io.Reader
	closer  io.Closer
	err     error
}

func (r *lazyReader) Read(p []byte) (int, error) {
	if r.decoder == nil && r.err == nil {
		buffered := bufio.NewReader(r.body)
		if _, err := buffered.Peek(1); err != nil {
			// An empty body has nothing to decode, io.EOF is returned as is.
			r.err = err
		} else {
			r.decoder, r.closer, r.err = r.open(buffered)
		}
	}
	if r.err != nil {
		return 0, r.err
	}
	return r.decoder.Read(p)
}

func (r *lazyReader) Close() error {
	var err error
	if r.closer != nil {
		err = r.closer.Close()
	}
	if bodyErr := r.body.Close(); err == nil {
		err = bodyErr
	}
	return err
}
