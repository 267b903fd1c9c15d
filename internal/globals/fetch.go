package globals

import (
	"errors"
	"net/url"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/abort"
	"github.com/bytecodealliance/starling-go/internal/fetchapi"
	"github.com/bytecodealliance/starling-go/internal/headers"
	"github.com/bytecodealliance/starling-go/internal/httpmsg"
)

// installFetch binds fetch(input, init), delegating to e.Dispatcher and
// returning a Promise that settles with a wrapped Response. A network
// error rejects it with a TypeError; an abort whose reason is an error
// (such as the default AbortError DOMException) rejects with that reason.
func (e *Environment) installFetch(rt *goja.Runtime) {
	_ = rt.Set("fetch", func(call goja.FunctionCall) goja.Value {
		req, signal, err := requestFromFetchArgs(rt, call.Argument(0), call.Argument(1))
		if err != nil {
			throwTypeError(rt, "%v", err)
		}

		promise, resolve, reject := e.Runtime.NewPromise()
		e.Dispatcher.Fetch(req, signal, func(resp *httpmsg.Response) {
			resolve(e.wrapResponse(rt, resp))
		}, func(fetchErr error) {
			if errors.Is(fetchErr, fetchapi.ErrNetworkError) {
				reject(rt.NewTypeError("%v", fetchErr))
				return
			}
			reject(errorToJSValue(rt, fetchErr))
		})
		return rt.ToValue(promise)
	})
}

// requestFromFetchArgs builds a *httpmsg.Request the same way the
// Request constructor does, accepting either an existing Request object
// or a URL string as input, plus an optional init dictionary.
func requestFromFetchArgs(rt *goja.Runtime, input, init goja.Value) (*httpmsg.Request, *abort.Signal, error) {
	if existing, ok := unwrapRequest(input); ok {
		req := &httpmsg.Request{
			Method:  existing.Method,
			URL:     existing.URL,
			Headers: existing.Headers.Clone(headers.GuardRequest),
			Body:    existing.Body,
		}
		sig, _ := requestSignal.Load(existing)
		signal, _ := sig.(*abort.Signal)
		applyFetchInit(rt, req, &signal, init)
		return req, signal, nil
	}

	parsed, err := url.Parse(input.String())
	if err != nil {
		return nil, nil, err
	}
	req := &httpmsg.Request{Method: "GET", URL: parsed, Headers: headers.New(headers.GuardRequest)}
	var signal *abort.Signal
	applyFetchInit(rt, req, &signal, init)
	return req, signal, nil
}

func applyFetchInit(rt *goja.Runtime, req *httpmsg.Request, signal **abort.Signal, init goja.Value) {
	if isNullish(init) {
		return
	}
	obj, ok := init.(*goja.Object)
	if !ok {
		return
	}
	if m := obj.Get("method"); m != nil && !goja.IsUndefined(m) {
		req.Method = m.String()
	}
	if hdrs := obj.Get("headers"); hdrs != nil && !goja.IsUndefined(hdrs) {
		req.Headers = headers.New(headers.GuardRequest)
		applyHeadersInit(req.Headers, hdrs)
	}
	if b := obj.Get("body"); b != nil && !goja.IsUndefined(b) {
		req.Body = bodyFromJS(b)
	}
	if sig := obj.Get("signal"); sig != nil && !isNullish(sig) {
		if s, ok := unwrapSignal(sig); ok {
			*signal = s
		}
	}
}
