package request

import (
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"

	"github.com/keboola/go-requestr/pkg/artifact"
)

// Downloaded is a response with the body stored in a file, in a private temporary directory.
//
// The directory is removed by Close, the file must be copied out before, if it is needed later.
// If the value becomes unreachable without Close, the directory is removed by the garbage collector,
// a removal failure is then logged, there is nobody to return it to.
type Downloaded struct {
	statusCode int
	header     http.Header
	dir        *artifact.Dir
	closeOnce  sync.Once
	closeErr   error
	cleanup    runtime.Cleanup
}

func newDownloaded(result FileResult, dir *artifact.Dir, logger *slog.Logger) *Downloaded {
	header := result.Header
	if header == nil {
		header = make(http.Header)
	}
	d := &Downloaded{statusCode: result.StatusCode, header: header, dir: dir}
	d.cleanup = runtime.AddCleanup(d, func(dir *artifact.Dir) {
		if err := dir.Remove(); err != nil {
			logger.Error("cannot remove unclosed artifact", slog.String("dir", dir.Root()), slog.Any("error", err))
		}
	}, dir)
	return d
}

// CopyPath returns path to the downloaded file.
// The file exists until Close is called.
func (d *Downloaded) CopyPath() string {
	return d.dir.Path()
}

// Open opens the downloaded file for reading.
func (d *Downloaded) Open() (*os.File, error) {
	return os.Open(d.dir.Path())
}

// StatusCode returns the HTTP status code.
func (d *Downloaded) StatusCode() int {
	return d.statusCode
}

// Header returns the response headers.
func (d *Downloaded) Header() http.Header {
	return d.header
}

// IsSuccess returns true if the status code is 2xx.
func (d *Downloaded) IsSuccess() bool {
	return IsSuccess(d.statusCode)
}

// CheckStatus returns StatusCodeError if the status code is not 2xx.
// The body is still available in the file.
func (d *Downloaded) CheckStatus() error {
	if !d.IsSuccess() {
		return &StatusCodeError{StatusCode: d.statusCode}
	}
	return nil
}

// Close removes the temporary directory with the file.
// It is safe to call Close multiple times, the first result is returned.
func (d *Downloaded) Close() error {
	d.closeOnce.Do(func() {
		d.cleanup.Stop()
		d.closeErr = d.dir.Remove()
	})
	return d.closeErr
}
