// Package blobstore provides request.Transport implementation for object storages by the gocloud.dev/blob package.
//
// Requests are mapped to bucket operations by the HTTP method:
//
//	GET          -> read the object
//	HEAD         -> read the object attributes
//	PUT, POST    -> write the request body to the object
//	DELETE       -> delete the object
//
// Results are delivered as HTTP-like responses, for example a missing object is a 404 status code, not an error.
// Bucket openers are registered by the URL scheme, see WithOpener, S3, GCS and Azure.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/scope"
	"github.com/keboola/go-requestr/pkg/trace"
	"github.com/keboola/go-requestr/pkg/transport/counter"
)

// ScratchFilePattern is the name pattern of files used to store a downloaded object before it is adopted.
const ScratchFilePattern = "requestr-blob-*"

// Transport is an immutable configuration, each With* method returns a modified copy.
type Transport struct {
	openers    map[string]Opener
	scratchDir string
	logger     *slog.Logger
}

func New() Transport {
	return Transport{
		openers: make(map[string]Opener),
		logger:  slog.New(slog.DiscardHandler),
	}
}

// WithOpener returns a clone of the Transport with the opener registered for the URL scheme.
func (t Transport) WithOpener(scheme string, opener Opener) Transport {
	if opener == nil {
		panic(errors.New("opener cannot be nil"))
	}
	clone := make(map[string]Opener, len(t.openers)+1)
	for k, v := range t.openers {
		clone[k] = v
	}
	clone[strings.ToLower(scheme)] = opener
	t.openers = clone
	return t
}

// Schemes returns registered URL schemes.
func (t Transport) Schemes() []string {
	out := make([]string, 0, len(t.openers))
	for scheme := range t.openers {
		out = append(out, scheme)
	}
	return out
}

func (t Transport) WithScratchDir(dir string) Transport {
	t.scratchDir = dir
	return t
}

func (t Transport) WithLogger(logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t.logger = logger
	return t
}

// StartData starts the operation on a new goroutine, the object is buffered in memory.
func (t Transport) StartData(ctx context.Context, s *scope.Active, spec request.Spec, done request.DataSink) (request.Handle, error) {
	return t.start(ctx, s, spec, func(ctx context.Context, opener Opener) {
		var result request.DataResult
		err := t.operate(ctx, opener, spec, func(res *http.Response) error {
			body, err := io.ReadAll(res.Body)
			if err != nil {
				return err
			}
			result = request.DataResult{StatusCode: res.StatusCode, Header: res.Header, Body: body}
			return nil
		})
		t.deliver(spec, func(s *scope.Active) {
			done(s, result, err)
		})
	})
}

// StartDownload starts the operation on a new goroutine, the object is stored to a scratch file.
// The scratch file is removed when the sink returns.
func (t Transport) StartDownload(ctx context.Context, s *scope.Active, spec request.Spec, done request.FileSink) (request.Handle, error) {
	return t.start(ctx, s, spec, func(ctx context.Context, opener Opener) {
		var result request.FileResult
		err := t.operate(ctx, opener, spec, func(res *http.Response) error {
			path, err := t.writeScratchFile(res.Body)
			if err != nil {
				return err
			}
			result = request.FileResult{StatusCode: res.StatusCode, Header: res.Header, ScratchPath: path}
			return nil
		})
		t.deliver(spec, func(s *scope.Active) {
			if result.ScratchPath != "" {
				path := result.ScratchPath
				s.Autorelease(func() error {
					return removeScratchFile(path)
				})
			}
			done(s, result, err)
		})
	})
}

func (t Transport) start(ctx context.Context, s *scope.Active, spec request.Spec, run func(ctx context.Context, opener Opener)) (request.Handle, error) {
	s.Check()
	if t.openers == nil {
		panic(errors.New("transport value is not initialized, use blobstore.New"))
	}

	scheme := strings.ToLower(spec.URL().Scheme)
	opener, found := t.openers[scheme]
	if !found {
		return nil, fmt.Errorf(`no bucket opener for the URL scheme "%s"`, scheme)
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		run(ctx, opener)
	}()

	return request.HandleFunc(cancel), nil
}

// operate runs the bucket operation and passes the response to the consumer.
// The response body is valid only until the consumer returns.
func (t Transport) operate(ctx context.Context, opener Opener, spec request.Spec, consume func(res *http.Response) error) (err error) {
	tc := trace.ContextClientTrace(ctx)
	req, err := spec.NewHTTPRequest(ctx)
	if err != nil {
		return err
	}
	if tc != nil && tc.HTTPRequestStart != nil {
		tc.HTTPRequestStart(req)
	}

	res, err := t.roundTrip(ctx, opener, spec, req)
	if tc != nil && tc.HTTPRequestDone != nil {
		tc.HTTPRequestDone(res, err)
	}
	if err != nil {
		return fmt.Errorf(`request %s "%s" failed: %w`, req.Method, spec.RawURL(), err)
	}

	body := counter.NewReadCloser(res.Body, func(bytes int64, err error) {
		if tc != nil && tc.HTTPResponseBodyRead != nil {
			tc.HTTPResponseBodyRead(bytes, err)
		}
	})
	defer func() {
		if closeErr := body.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf(`cannot read object "%s": %w`, spec.RawURL(), closeErr)
		}
	}()
	res.Body = body

	if err := consume(res); err != nil {
		return fmt.Errorf(`cannot read object "%s": %w`, spec.RawURL(), err)
	}
	return nil
}

// roundTrip maps the request to a bucket operation.
// Errors which have an HTTP status code equivalent are converted to a response.
func (t Transport) roundTrip(ctx context.Context, opener Opener, spec request.Spec, req *http.Request) (res *http.Response, err error) {
	obj, err := opener(ctx, spec.URL())
	if err != nil {
		return nil, err
	}
	release := func() {
		if obj.Release != nil {
			if err := obj.Release(); err != nil {
				t.logger.Warn("cannot close bucket", slog.String("url", spec.RawURL()), slog.Any("error", err))
			}
		}
	}

	res = &http.Response{Request: req, Header: make(http.Header), Body: http.NoBody, ContentLength: 0}
	switch spec.Method() {
	case http.MethodGet:
		var reader *blob.Reader
		if reader, err = obj.Bucket.NewReader(ctx, obj.Key, nil); err == nil {
			setAttrsHeaders(res.Header, reader.ContentType(), reader.Size(), "", reader.ModTime().UTC().Format(http.TimeFormat))
			res.StatusCode = http.StatusOK
			res.Status = "200 OK"
			res.ContentLength = reader.Size()
			res.Body = &releaseReader{ReadCloser: reader, release: release}
			return res, nil
		}
	case http.MethodHead:
		var attrs *blob.Attributes
		if attrs, err = obj.Bucket.Attributes(ctx, obj.Key); err == nil {
			setAttrsHeaders(res.Header, attrs.ContentType, attrs.Size, attrs.ETag, attrs.ModTime.UTC().Format(http.TimeFormat))
			res.StatusCode = http.StatusOK
		}
	case http.MethodPut, http.MethodPost:
		opts := &blob.WriterOptions{
			ContentType: spec.Header().Get("Content-Type"),
			// 5MB is the minimal part size of a multipart upload to S3
			BufferSize: int(s3manager.MinUploadPartSize),
		}
		if err = obj.Bucket.WriteAll(ctx, obj.Key, spec.Body(), opts); err == nil {
			res.StatusCode = http.StatusCreated
		}
	case http.MethodDelete:
		if err = obj.Bucket.Delete(ctx, obj.Key); err == nil {
			res.StatusCode = http.StatusNoContent
		}
	default:
		res.StatusCode = http.StatusMethodNotAllowed
		res.Header.Set("Allow", "GET, HEAD, PUT, POST, DELETE")
	}
	release()

	if err != nil {
		if code, ok := statusCode(err); ok {
			msg := fmt.Sprintf(`%s "%s": %s`, http.StatusText(code), obj.Key, gcerrors.Code(err))
			res.StatusCode = code
			res.Header.Set("Content-Type", "text/plain; charset=utf-8")
			res.Body = io.NopCloser(strings.NewReader(msg))
			res.ContentLength = int64(len(msg))
			err = nil
		} else {
			return nil, err
		}
	}
	res.Status = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	return res, nil
}

func (t Transport) writeScratchFile(body io.Reader) (path string, err error) {
	file, err := os.CreateTemp(t.scratchDir, ScratchFilePattern)
	if err != nil {
		return "", fmt.Errorf("cannot create scratch file: %w", err)
	}
	path = file.Name()

	if _, err = io.Copy(file, body); err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := removeScratchFile(path); rmErr != nil {
			t.logger.Warn("cannot remove scratch file", slog.String("path", path), slog.Any("error", rmErr))
		}
		return "", err
	}
	return path, nil
}

// deliver calls the sink in a new scope, release errors cannot be returned to anybody, so they are logged.
func (t Transport) deliver(spec request.Spec, fn func(s *scope.Active)) {
	err := scope.Run(func(s *scope.Active) error {
		fn(s)
		return nil
	})
	if err != nil {
		t.logger.Warn("cannot release transport resources", slog.String("method", spec.Method()), slog.String("url", spec.RawURL()), slog.Any("error", err))
	}
}

func statusCode(err error) (int, bool) {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return http.StatusNotFound, true
	case gcerrors.PermissionDenied:
		return http.StatusForbidden, true
	case gcerrors.FailedPrecondition:
		return http.StatusPreconditionFailed, true
	case gcerrors.InvalidArgument:
		return http.StatusBadRequest, true
	case gcerrors.ResourceExhausted:
		return http.StatusTooManyRequests, true
	default:
		return 0, false
	}
}

func setAttrsHeaders(h http.Header, contentType string, size int64, etag, modTime string) {
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	if etag != "" {
		h.Set("ETag", etag)
	}
	h.Set("Last-Modified", modTime)
}

// releaseReader closes the bucket after the object reader.
type releaseReader struct {
	io.ReadCloser
	release func()
}

func (r *releaseReader) Close() error {
	err := r.ReadCloser.Close()
	r.release()
	return err
}

func removeScratchFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
