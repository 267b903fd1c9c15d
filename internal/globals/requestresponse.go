package globals

import (
	"encoding/json"
	"net/url"
	"sync"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/abort"
	"github.com/bytecodealliance/starling-go/internal/blobstore"
	"github.com/bytecodealliance/starling-go/internal/body"
	"github.com/bytecodealliance/starling-go/internal/formdata"
	"github.com/bytecodealliance/starling-go/internal/headers"
	"github.com/bytecodealliance/starling-go/internal/httpmsg"
)

var requestByObject sync.Map  // map[*goja.Object]*httpmsg.Request
var responseByObject sync.Map // map[*goja.Object]*httpmsg.Response

// requestSignal tracks the AbortSignal a Request was constructed with,
// since *httpmsg.Request itself has no signal field (signal is consumed
// by fetch(), not part of the Fetch-spec body/headers model).
var requestSignal sync.Map // map[*httpmsg.Request]*abort.Signal

func unwrapRequest(v goja.Value) (*httpmsg.Request, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	req, ok := requestByObject.Load(obj)
	if !ok {
		return nil, false
	}
	return req.(*httpmsg.Request), true
}

func unwrapResponse(v goja.Value) (*httpmsg.Response, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	resp, ok := responseByObject.Load(obj)
	if !ok {
		return nil, false
	}
	return resp.(*httpmsg.Response), true
}

// bodyFromJS coerces a fetch body argument (string, Uint8Array/ArrayBuffer
// via byte slice export, a Blob, or a ReadableStream) into a
// *httpmsg.BodySource, matching the subset of BodyInit the core's
// invariants exercise.
func bodyFromJS(v goja.Value) *httpmsg.BodySource {
	if isNullish(v) {
		return nil
	}
	if blob, ok := unwrapBlob(v); ok {
		return httpmsg.NewBufferedBody(blob.Bytes)
	}
	if stream, ok := unwrapReadableStream(v); ok {
		return bodyFromReadableStream(stream)
	}
	switch exported := v.Export().(type) {
	case string:
		return httpmsg.NewBufferedBody([]byte(exported))
	case goja.ArrayBuffer:
		return httpmsg.NewBufferedBody(exported.Bytes())
	case []byte:
		return httpmsg.NewBufferedBody(exported)
	default:
		return httpmsg.NewBufferedBody([]byte(v.String()))
	}
}

// bodyFromReadableStream turns a ReadableStream BodyInit into a
// BodySource. A not-yet-read, host-backed stream is stolen whole via
// detachIncoming, the direct-append short circuit; anything else
// (already locked, buffered, or script-constructed) is drained through
// the ordinary InputStream adapter instead.
func bodyFromReadableStream(stream *jsReadableStream) *httpmsg.BodySource {
	stream.mu.Lock()
	locked := stream.locked
	stream.mu.Unlock()
	if locked {
		throwTypeError(stream.rt, "body stream is locked")
	}
	if in, ok := stream.detachIncoming(); ok {
		return httpmsg.NewStreamedBody(in)
	}
	return httpmsg.NewStreamedBody(body.NewIncomingBody(newJSStreamInputStream(stream)))
}

// installRequestResponse binds the Request and Response constructors.
func (e *Environment) installRequestResponse(rt *goja.Runtime) {
	requestCtor := func(call goja.ConstructorCall) *goja.Object {
		method := "GET"
		var h *headers.Headers
		var body *httpmsg.BodySource
		var signal *abort.Signal

		rawURL := call.Argument(0).String()
		if existing, ok := unwrapRequest(call.Argument(0)); ok {
			method = existing.Method
			rawURL = existing.URL.String()
			h = existing.Headers.Clone(headers.GuardRequest)
			body = existing.Body
		}

		if initVal := call.Argument(1); !isNullish(initVal) {
			if initObj, ok := initVal.(*goja.Object); ok {
				if m := initObj.Get("method"); m != nil && !goja.IsUndefined(m) {
					method = m.String()
				}
				if hdrs := initObj.Get("headers"); hdrs != nil && !goja.IsUndefined(hdrs) {
					h = headers.New(headers.GuardRequest)
					applyHeadersInit(h, hdrs)
				}
				if b := initObj.Get("body"); b != nil && !goja.IsUndefined(b) {
					body = bodyFromJS(b)
				}
				if sig := initObj.Get("signal"); sig != nil && !isNullish(sig) {
					signal, _ = unwrapSignal(sig)
				}
			}
		}
		if h == nil {
			h = headers.New(headers.GuardRequest)
		}

		parsed, err := url.Parse(rawURL)
		if err != nil {
			throwTypeError(rt, "invalid request URL %q: %v", rawURL, err)
		}

		req := &httpmsg.Request{Method: method, URL: parsed, Headers: h, Body: body}
		if signal != nil {
			requestSignal.Store(req, signal)
		}
		e.wrapRequestInto(rt, call.This, req)
		return nil
	}
	_ = rt.Set("Request", rt.ToValue(requestCtor))

	responseCtor := func(call goja.ConstructorCall) *goja.Object {
		status := 200
		var h *headers.Headers
		var body *httpmsg.BodySource

		if bodyVal := call.Argument(0); !isNullish(bodyVal) {
			body = bodyFromJS(bodyVal)
		}
		if initVal := call.Argument(1); !isNullish(initVal) {
			if initObj, ok := initVal.(*goja.Object); ok {
				if s := initObj.Get("status"); s != nil && !goja.IsUndefined(s) {
					status = int(s.ToInteger())
				}
				if hdrs := initObj.Get("headers"); hdrs != nil && !goja.IsUndefined(hdrs) {
					h = headers.New(headers.GuardResponse)
					applyHeadersInit(h, hdrs)
				}
			}
		}
		if h == nil {
			h = headers.New(headers.GuardResponse)
		}

		resp, err := httpmsg.NewResponse(status, h, body)
		if err != nil {
			throwTypeError(rt, "%v", err)
		}
		e.wrapResponseInto(rt, call.This, resp)
		return nil
	}
	respCtorVal := rt.ToValue(responseCtor)
	respCtorObj := respCtorVal.(*goja.Object)
	_ = respCtorObj.Set("error", func(call goja.FunctionCall) goja.Value {
		resp := httpmsg.NetworkErrorResponse()
		return e.wrapResponse(rt, resp)
	})
	_ = respCtorObj.Set("redirect", func(call goja.FunctionCall) goja.Value {
		status := 302
		if len(call.Arguments) > 1 {
			status = int(call.Argument(1).ToInteger())
		}
		if !httpmsg.IsRedirectStatusAllowed(status) {
			throwTypeError(rt, "invalid redirect status %d", status)
		}
		h := headers.New(headers.GuardResponse)
		_ = h.Set("location", call.Argument(0).String())
		resp, err := httpmsg.NewResponse(status, h, nil)
		if err != nil {
			throwTypeError(rt, "%v", err)
		}
		return e.wrapResponse(rt, resp)
	})
	_ = rt.Set("Response", respCtorVal)
}

func (e *Environment) wrapRequest(rt *goja.Runtime, req *httpmsg.Request) *goja.Object {
	obj := rt.NewObject()
	e.wrapRequestInto(rt, obj, req)
	return obj
}

func (e *Environment) wrapRequestInto(rt *goja.Runtime, obj *goja.Object, req *httpmsg.Request) {
	requestByObject.Store(obj, req)
	_ = obj.Set("method", req.Method)
	_ = obj.Set("url", req.URL.String())
	_ = obj.Set("headers", wrapHeaders(rt, req.Headers))

	_ = obj.DefineAccessorProperty("bodyUsed", rt.ToValue(func() goja.Value {
		return rt.ToValue(req.Body.Used())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	var bodyStream goja.Value
	_ = obj.DefineAccessorProperty("body", rt.ToValue(func() goja.Value {
		if bodyStream == nil {
			bodyStream = e.bodyStreamValue(rt, req.Body)
		}
		return bodyStream
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	e.addBodyMethods(rt, obj, req.Body)
	_ = obj.Set("clone", func(call goja.FunctionCall) goja.Value {
		cloned, err := req.Clone()
		if err != nil {
			throwTypeError(rt, "%v", err)
		}
		return e.wrapRequest(rt, cloned)
	})
}

func (e *Environment) wrapResponse(rt *goja.Runtime, resp *httpmsg.Response) *goja.Object {
	obj := rt.NewObject()
	e.wrapResponseInto(rt, obj, resp)
	return obj
}

func (e *Environment) wrapResponseInto(rt *goja.Runtime, obj *goja.Object, resp *httpmsg.Response) {
	responseByObject.Store(obj, resp)
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("statusText", resp.StatusText)
	_ = obj.Set("ok", resp.Status >= 200 && resp.Status < 300)
	_ = obj.Set("redirected", resp.Redirected)
	_ = obj.Set("type", resp.Type)
	_ = obj.Set("headers", wrapHeaders(rt, resp.Headers))

	_ = obj.DefineAccessorProperty("bodyUsed", rt.ToValue(func() goja.Value {
		return rt.ToValue(resp.Body.Used())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	var bodyStream goja.Value
	_ = obj.DefineAccessorProperty("body", rt.ToValue(func() goja.Value {
		if bodyStream == nil {
			bodyStream = e.bodyStreamValue(rt, resp.Body)
		}
		return bodyStream
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	e.addBodyMethods(rt, obj, resp.Body)
	_ = obj.Set("clone", func(call goja.FunctionCall) goja.Value {
		cloned, err := resp.Clone()
		if err != nil {
			throwTypeError(rt, "%v", err)
		}
		return e.wrapResponse(rt, cloned)
	})
}

// addBodyMethods installs text()/json()/arrayBuffer()/blob()/bytes()/
// formData(), each returning an already-settled Promise: the body is
// read with one synchronous ReadAll call, whether it is buffered or
// streamed (host-backed, or built from a ReadableStream by bodyFromJS).
func (e *Environment) addBodyMethods(rt *goja.Runtime, obj *goja.Object, src *httpmsg.BodySource) {
	settled := func(value any, err error) goja.Value {
		promise, resolve, reject := rt.NewPromise()
		if err != nil {
			reject(err.Error())
		} else {
			resolve(value)
		}
		return rt.ToValue(promise)
	}
	_ = obj.Set("text", func(call goja.FunctionCall) goja.Value {
		text, err := src.Text()
		return settled(text, err)
	})
	_ = obj.Set("json", func(call goja.FunctionCall) goja.Value {
		raw, err := src.ReadAll()
		if err != nil {
			return settled(nil, err)
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return settled(nil, err)
		}
		return settled(parsed, nil)
	})
	_ = obj.Set("arrayBuffer", func(call goja.FunctionCall) goja.Value {
		raw, err := src.ReadAll()
		if err != nil {
			return settled(nil, err)
		}
		return settled(rt.ToValue(rt.NewArrayBuffer(raw)), nil)
	})
	_ = obj.Set("bytes", func(call goja.FunctionCall) goja.Value {
		raw, err := src.ReadAll()
		if err != nil {
			return settled(nil, err)
		}
		return settled(rt.ToValue(rt.NewArrayBuffer(raw)), nil)
	})
	_ = obj.Set("blob", func(call goja.FunctionCall) goja.Value {
		raw, err := src.ReadAll()
		if err != nil {
			return settled(nil, err)
		}
		return settled(wrapBlob(rt, blobstore.Blob{Bytes: raw, Type: bodyContentType(rt, obj)}), nil)
	})
	_ = obj.Set("formData", func(call goja.FunctionCall) goja.Value {
		raw, err := src.ReadAll()
		if err != nil {
			return settled(nil, err)
		}
		entries, err := formdata.Decode(bodyContentType(rt, obj), raw)
		if err != nil {
			return settled(nil, err)
		}
		return settled(wrapFormDataEntries(rt, entries), nil)
	})
}

// bodyContentType reads the Content-Type header off a wrapped Request
// or Response object, for blob()'s MIME type and formData()'s boundary
// parsing.
func bodyContentType(rt *goja.Runtime, obj *goja.Object) string {
	hdrs := obj.Get("headers")
	if hdrs == nil || isNullish(hdrs) {
		return ""
	}
	hdrsObj, ok := hdrs.(*goja.Object)
	if !ok {
		return ""
	}
	getFn, ok := goja.AssertFunction(hdrsObj.Get("get"))
	if !ok {
		return ""
	}
	result, err := getFn(hdrsObj, rt.ToValue("content-type"))
	if err != nil || isNullish(result) {
		return ""
	}
	return result.String()
}
