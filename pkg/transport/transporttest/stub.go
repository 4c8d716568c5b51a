// Package transporttest provides a controllable request.Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/keboola/go-requestr/pkg/request"
	"github.com/keboola/go-requestr/pkg/scope"
)

// Result is a response produced by the Responder.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Responder produces a result for the request.
type Responder func(spec request.Spec) (Result, error)

// Respond returns a Responder with a fixed status code and body.
func Respond(statusCode int, body string) Responder {
	return func(request.Spec) (Result, error) {
		return Result{StatusCode: statusCode, Header: http.Header{"Content-Type": []string{"text/plain"}}, Body: []byte(body)}, nil
	}
}

// Fail returns a Responder which fails with the error.
func Fail(err error) Responder {
	return func(request.Spec) (Result, error) {
		return Result{}, err
	}
}

// Stub is a request.Transport which delivers results from a Responder.
//
// By default, each result is delivered from a new goroutine.
// With ManualCompletion, results are held until Complete is called.
type Stub struct {
	responder Responder
	startErr  error
	manual    bool
	duplicate bool

	starts  atomic.Int64
	cancels atomic.Int64

	lock    sync.Mutex
	specs   []request.Spec
	pending []func()
}

type Option func(s *Stub)

// WithManualCompletion holds results until Stub.Complete is called.
func WithManualCompletion() Option {
	return func(s *Stub) {
		s.manual = true
	}
}

// WithDuplicateDelivery delivers each result twice, as a misbehaving native callback.
func WithDuplicateDelivery() Option {
	return func(s *Stub) {
		s.duplicate = true
	}
}

// WithStartError makes the start of each operation fail with the error.
func WithStartError(err error) Option {
	return func(s *Stub) {
		s.startErr = err
	}
}

func NewStub(responder Responder, opts ...Option) *Stub {
	s := &Stub{responder: responder}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Starts returns number of started operations, including failed starts.
func (s *Stub) Starts() int {
	return int(s.starts.Load())
}

// Cancels returns number of Handle.Cancel calls.
func (s *Stub) Cancels() int {
	return int(s.cancels.Load())
}

// Specs returns specs of all started operations.
func (s *Stub) Specs() []request.Spec {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]request.Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Pending returns number of results held by WithManualCompletion.
func (s *Stub) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.pending)
}

// Complete synchronously delivers all held results, it returns number of delivered operations.
func (s *Stub) Complete() int {
	s.lock.Lock()
	pending := s.pending
	s.pending = nil
	s.lock.Unlock()

	for _, deliver := range pending {
		deliver()
	}
	return len(pending)
}

func (s *Stub) StartData(_ context.Context, active *scope.Active, spec request.Spec, done request.DataSink) (request.Handle, error) {
	return s.start(active, spec, func() {
		result, err := s.responder(spec)
		_ = scope.Run(func(active *scope.Active) error {
			done(active, request.DataResult{StatusCode: result.StatusCode, Header: result.Header, Body: result.Body}, err)
			return nil
		})
	})
}

func (s *Stub) StartDownload(_ context.Context, active *scope.Active, spec request.Spec, done request.FileSink) (request.Handle, error) {
	return s.start(active, spec, func() {
		result, err := s.responder(spec)
		_ = scope.Run(func(active *scope.Active) error {
			var scratchPath string
			if err == nil {
				scratchPath, err = writeScratchFile(active, result.Body)
			}
			done(active, request.FileResult{StatusCode: result.StatusCode, Header: result.Header, ScratchPath: scratchPath}, err)
			return nil
		})
	})
}

func (s *Stub) start(active *scope.Active, spec request.Spec, deliver func()) (request.Handle, error) {
	active.Check()
	s.starts.Add(1)

	s.lock.Lock()
	defer s.lock.Unlock()
	s.specs = append(s.specs, spec)

	if s.startErr != nil {
		return nil, s.startErr
	}

	if s.duplicate {
		once := deliver
		deliver = func() {
			once()
			once()
		}
	}

	if s.manual {
		s.pending = append(s.pending, deliver)
	} else {
		go deliver()
	}

	return request.HandleFunc(func() {
		s.cancels.Add(1)
	}), nil
}

// writeScratchFile writes the body to a file which is removed when the scope is released.
func writeScratchFile(active *scope.Active, body []byte) (string, error) {
	f, err := os.CreateTemp("", "transporttest-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	active.Autorelease(func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("cannot write scratch file: %w", err)
	}
	return path, f.Close()
}
