package request

import (
	"context"
	"net/http"

	"github.com/keboola/go-requestr/pkg/scope"
)

// Transport starts asynchronous operations, for example HTTP requests by the net/http package,
// or object storage operations.
//
// Start methods are called synchronously, with an open scope.
// They must not block until the operation completes: the operation runs on the transport's own goroutines,
// and the sink is called once, from any goroutine, with a new open scope.
//
// The sink may be called even after the Handle.Cancel, the late result is discarded.
// A non-2xx status code is not an error, it is delivered as a result.
type Transport interface {
	StartData(ctx context.Context, s *scope.Active, spec Spec, done DataSink) (Handle, error)
	StartDownload(ctx context.Context, s *scope.Active, spec Spec, done FileSink) (Handle, error)
}

// Handle of an in-flight operation.
type Handle interface {
	// Cancel requests cancellation of the operation, it must not block.
	Cancel()
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func()

func (f HandleFunc) Cancel() {
	f()
}

// DataSink receives result of an operation with a buffered body.
type DataSink func(s *scope.Active, result DataResult, err error)

// FileSink receives result of an operation with a body stored in a scratch file.
// The scratch file is valid only until the sink returns.
type FileSink func(s *scope.Active, result FileResult, err error)

// DataResult is a response with a buffered body.
type DataResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// FileResult is a response with a body stored in a scratch file.
type FileResult struct {
	StatusCode  int
	Header      http.Header
	ScratchPath string
}
