// Package trace extends the httptrace.ClientTrace and adds hooks for the whole lifecycle of a request:
// transport attempts, cancellation, late deliveries, download artifacts.
// A custom ClientTrace definition can be registered in the client.Client or request.Request by the AndTrace method.
//
// Hooks of a transport attempt are called from the transport goroutine.
// Hooks Cancelled and RequestProcessed are called from the goroutine which cancels or awaits the request.
package trace

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"reflect"
	"time"
)

// Definition describes the traced request.
type Definition interface {
	Method() string
	URL() *url.URL
	Header() http.Header
}

// Factory creates ClientTrace hooks for a request.
type Factory func(ctx context.Context, def Definition) (context.Context, *ClientTrace)

// ClientTrace is a set of hooks to run at various stages of a request.
type ClientTrace struct {
	httptrace.ClientTrace // native, low level trace
	// HTTPRequestStart is called when a transport attempt begins. It includes redirects and retries.
	HTTPRequestStart func(request *http.Request)
	// HTTPRequestDone is called when a transport attempt completes. It includes redirects and retries.
	HTTPRequestDone func(response *http.Response, err error)
	// HTTPResponseBodyRead is called when the transport has read the whole response body of the last attempt.
	HTTPResponseBodyRead func(bytes int64, err error)
	// HTTPRequestRetry is called before retry delay.
	HTTPRequestRetry func(attempt int, delay time.Duration)
	// ArtifactAdopted is called when a downloaded file has been moved to its temporary directory.
	ArtifactAdopted func(path string)
	// Cancelled is called when the in-flight request has been cancelled by the caller.
	Cancelled func()
	// LateDelivery is called when the transport delivers a result nobody waits for.
	LateDelivery func(err error)
	// RequestProcessed is called when the result has been delivered to the caller.
	RequestProcessed func(result any, err error)
}

type ctxKey string

const clientTraceCtxKey = ctxKey("clientTrace")

// ContextWithClientTrace returns a new context based on the provided parent ctx.
// Transports started with the returned context use the provided trace hooks,
// in addition to any previous hooks registered with ctx.
func ContextWithClientTrace(ctx context.Context, t *ClientTrace) context.Context {
	if t == nil {
		panic("nil trace")
	}
	old := ContextClientTrace(ctx)
	t.Compose(old)
	ctx = context.WithValue(ctx, clientTraceCtxKey, t)
	return httptrace.WithClientTrace(ctx, &t.ClientTrace)
}

// ContextClientTrace returns the ClientTrace associated with the provided context.
// If none, it returns nil.
func ContextClientTrace(ctx context.Context) *ClientTrace {
	t, _ := ctx.Value(clientTraceCtxKey).(*ClientTrace)
	return t
}

// Compose modifies t such that it respects the previously-registered hooks in old.
// Hooks from old are called first.
// Copy of httptrace.compose, the embedded httptrace.ClientTrace is composed by httptrace itself.
func (t *ClientTrace) Compose(old *ClientTrace) {
	if old == nil {
		return
	}
	tv := reflect.ValueOf(t).Elem()
	ov := reflect.ValueOf(old).Elem()
	structType := tv.Type()
	for i := 0; i < structType.NumField(); i++ {
		tf := tv.Field(i)
		hookType := tf.Type()
		if hookType.Kind() != reflect.Func {
			continue
		}
		of := ov.Field(i)
		if of.IsNil() {
			continue
		}
		if tf.IsNil() {
			tf.Set(of)
			continue
		}

		// Make a copy of tf for tf to call. (Otherwise it
		// creates a recursive call cycle and stack overflows)
		tfCopy := reflect.ValueOf(tf.Interface())

		// We need to call both tf and of in some order.
		newFunc := reflect.MakeFunc(hookType, func(args []reflect.Value) []reflect.Value {
			of.Call(args)
			return tfCopy.Call(args)
		})
		tv.Field(i).Set(newFunc)
	}
}

// Chain composes factories, hooks from the first factory are called first.
func Chain(factories ...Factory) Factory {
	return func(ctx context.Context, def Definition) (context.Context, *ClientTrace) {
		var out *ClientTrace
		for _, fn := range factories {
			if fn == nil {
				continue
			}
			var t *ClientTrace
			ctx, t = fn(ctx, def)
			if t == nil {
				continue
			}
			t.Compose(out)
			out = t
		}
		return ctx, out
	}
}
