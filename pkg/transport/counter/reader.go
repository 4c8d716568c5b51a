// Package counter measures response bodies read by a transport.
package counter

import (
	"errors"
	"io"
	"sync"
)

// ReadCloser wraps a response body and counts bytes read.
// The OnClose callback is called once, on the first Close.
type ReadCloser struct {
	wrapped io.ReadCloser
	onClose OnClose
	once    sync.Once
	bytes   int64
	readErr error
}

// OnClose receives the number of read bytes and the first unexpected read error,
// or the close error, if reading was successful.
type OnClose func(bytes int64, err error)

func NewReadCloser(wrapped io.ReadCloser, onClose OnClose) *ReadCloser {
	return &ReadCloser{wrapped: wrapped, onClose: onClose}
}

func (r *ReadCloser) Bytes() int64 {
	return r.bytes
}

func (r *ReadCloser) Read(p []byte) (int, error) {
	n, err := r.wrapped.Read(p)
	r.bytes += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && r.readErr == nil {
		r.readErr = err
	}
	return n, err
}

func (r *ReadCloser) Close() error {
	closeErr := r.wrapped.Close()
	r.once.Do(func() {
		if r.onClose == nil {
			return
		}
		err := r.readErr
		if err == nil {
			err = closeErr
		}
		r.onClose(r.bytes, err)
	})
	return closeErr
}
