package trace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keboola/go-requestr/pkg/decode"
)

const (
	dumpMaxLength = 2000
	dumpFullEnv   = "REQUESTR_DUMP_FULL"
)

// dumpTrace is state of one dumped request, hooks of all requests share the writer lock.
type dumpTrace struct {
	lock *sync.Mutex
	wr   io.Writer
	id   string
	def  Definition

	scheme      string
	lastStatus  string
	lastErr     error
	startTime   time.Time
	headersTime time.Time
}

// DumpTracer dumps requests and responses to a writer, including retries, cancellation and downloaded artifacts.
// Bodies of the http and https schemes are dumped, up to a length limit,
// set env REQUESTR_DUMP_FULL=true to disable the limit.
//
// Output may contain unmasked tokens, do not use it in production!
func DumpTracer(wr io.Writer) Factory {
	var idGenerator uint64
	lock := &sync.Mutex{}
	return func(ctx context.Context, def Definition) (context.Context, *ClientTrace) {
		d := &dumpTrace{lock: lock, wr: wr, def: def, id: fmt.Sprintf("[%04d]", atomic.AddUint64(&idGenerator, 1))}
		return ctx, &ClientTrace{
			HTTPRequestStart: d.onStart,
			HTTPRequestDone:  d.onDone,
			HTTPRequestRetry: d.onRetry,
			ArtifactAdopted: func(path string) {
				d.write(">>>>>> ARTIFACT "+d.id, "|", path)
			},
			Cancelled: func() {
				d.write(">>>>>> CANCELLED "+d.id, "|", def.Method(), def.URL().String())
			},
			LateDelivery: func(err error) {
				d.write(">>>>>> LATE DELIVERY "+d.id, "| ERROR:", err)
			},
			RequestProcessed: d.onProcessed,
		}
	}
}

func (d *dumpTrace) onStart(req *http.Request) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.startTime.IsZero() {
		d.startTime = time.Now()
	}
	d.scheme = req.URL.Scheme
	d.println()
	d.println(">>>>>> HTTP DUMP " + d.id)
	if out, err := httputil.DumpRequestOut(req, true); err == nil {
		d.printBody(string(out))
	} else {
		// For example an object storage URL
		d.println(req.Method, req.URL.String())
	}
}

func (d *dumpTrace) onDone(res *http.Response, err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.lastErr = err
	d.println("------")
	if err != nil {
		d.lastStatus = ""
		d.println("ERROR:", err)
		d.println("<<<<<< HTTP DUMP END " + d.id)
		return
	}

	d.headersTime = time.Now()
	d.lastStatus = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	if out, err := httputil.DumpResponse(res, false); err == nil {
		d.println(strings.TrimSpace(string(out)))
	} else {
		d.println("cannot dump response headers:", err)
	}
	if (d.scheme == "http" || d.scheme == "https") && res.Body != nil && res.Body != http.NoBody {
		d.println("------")
		d.printBody(d.readBody(res))
	}
	d.println("<<<<<< HTTP DUMP END " + d.id)
}

func (d *dumpTrace) onRetry(attempt int, delay time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	last := d.lastStatus
	if d.lastErr != nil {
		last = d.lastErr.Error()
	}
	d.println()
	d.println(">>>>>> HTTP RETRY "+d.id, "| ATTEMPT:", attempt, "| DELAY:", delay, "| LAST:", last)
}

func (d *dumpTrace) onProcessed(_ any, err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	var headersAt, doneAt time.Duration
	if !d.startTime.IsZero() {
		doneAt = time.Since(d.startTime)
		if !d.headersTime.IsZero() {
			headersAt = d.headersTime.Sub(d.startTime)
		}
	}
	d.println()
	d.println(">>>>>> PROCESSED "+d.id, "|", d.def.Method(), d.def.URL().String(), "|", d.lastStatus, "| ERROR:", err, "| HEADERS AT:", headersAt, "| DONE AT:", doneAt)
}

// readBody returns the decoded body and replaces the response body by a buffered raw copy.
func (d *dumpTrace) readBody(res *http.Response) string {
	var raw bytes.Buffer
	var decoded strings.Builder
	reader, err := decode.Decode(io.NopCloser(io.TeeReader(res.Body, &raw)), res.Header.Get("Content-Encoding"))
	if err == nil {
		_, err = io.Copy(&decoded, reader)
	}
	_ = res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(raw.Bytes()))
	if err != nil {
		return fmt.Sprintf("cannot read response body: %s", err)
	}
	return decoded.String()
}

func (d *dumpTrace) printBody(body string) {
	body = strings.TrimSpace(body)
	if len(body) > dumpMaxLength && os.Getenv(dumpFullEnv) != "true" { //nolint:forbidigo
		d.println(body[:dumpMaxLength])
		d.println(fmt.Sprintf("... (set env %s=true to see full output)", dumpFullEnv))
		return
	}
	d.println(body)
}

func (d *dumpTrace) write(a ...any) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.println()
	d.println(a...)
}

func (d *dumpTrace) println(a ...any) {
	_, _ = fmt.Fprintln(d.wr, a...)
}
