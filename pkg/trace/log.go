package trace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"
)

// logWriter is shared by all requests of a LogTracer, lines of concurrent requests are not interleaved.
type logWriter struct {
	lock sync.Mutex
	wr   io.Writer
	ids  atomic.Uint64
}

// logTrace writes lines of one request.
type logTrace struct {
	out    *logWriter
	prefix string
	target string // method and quoted URL

	connStart time.Time
	start     time.Time
	done      time.Time
}

// LogTracer writes one line per request lifecycle event to the writer.
func LogTracer(wr io.Writer) Factory {
	out := &logWriter{wr: wr}
	return func(ctx context.Context, def Definition) (context.Context, *ClientTrace) {
		t := &logTrace{
			out:    out,
			prefix: fmt.Sprintf("HTTP_REQUEST[%04d]", out.ids.Add(1)),
			target: fmt.Sprintf(`%s "%s"`, def.Method(), def.URL().String()),
		}
		tc := &ClientTrace{
			HTTPRequestStart: func(req *http.Request) {
				t.start = time.Now()
				t.printf(`START %s "%s"`, req.Method, req.URL.String())
			},
			HTTPRequestDone:      t.onDone,
			HTTPResponseBodyRead: t.onRead,
			HTTPRequestRetry: func(attempt int, delay time.Duration) {
				t.printf(`RETRY %s | %dx | %s`, t.target, attempt, delay)
			},
			ArtifactAdopted: func(path string) {
				t.printf(`FILE  %s | %s`, t.target, path)
			},
			Cancelled: func() {
				t.printf(`CANCEL %s`, t.target)
			},
			LateDelivery: func(err error) {
				t.printf(`LATE  %s%s`, t.target, errorSuffix(err))
			},
			RequestProcessed: func(_ any, err error) {
				t.printf(`BODY  %s | %s%s`, t.target, time.Since(t.done), errorSuffix(err))
			},
		}
		tc.ConnectStart = func(string, string) {
			t.connStart = time.Now()
		}
		tc.GotConn = t.onConn
		return ctx, tc
	}
}

func (t *logTrace) onConn(info httptrace.GotConnInfo) {
	var conn string
	switch {
	case !info.Reused:
		conn = fmt.Sprintf("new conn | %s", time.Since(t.connStart))
	case info.WasIdle:
		conn = fmt.Sprintf("reused conn (was idle=%s)", info.IdleTime)
	default:
		conn = "reused conn"
	}
	t.printf(`CONN  %s | %s`, t.target, conn)
}

func (t *logTrace) onDone(res *http.Response, err error) {
	t.done = time.Now()
	var statusCode int
	if err == nil && res != nil {
		statusCode = res.StatusCode
	}
	t.printf(`DONE  %s | %d | %s%s`, t.target, statusCode, t.done.Sub(t.start), errorSuffix(err))
}

func (t *logTrace) onRead(bytes int64, err error) {
	t.printf(`READ  %s | %dB | %s%s`, t.target, bytes, time.Since(t.done), errorSuffix(err))
}

func (t *logTrace) printf(format string, a ...any) {
	t.out.lock.Lock()
	defer t.out.lock.Unlock()
	_, _ = fmt.Fprintln(t.out.wr, t.prefix, fmt.Sprintf(format, a...))
}

func errorSuffix(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf(" | error=%s", err)
}
