package globals

import (
	"strconv"
	"sync"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/headers"
)

var headersByObject sync.Map // map[*goja.Object]*headers.Headers

func registerHeadersObject(obj *goja.Object, h *headers.Headers) {
	headersByObject.Store(obj, h)
}

// unwrapHeaders extracts the *headers.Headers backing a JS Headers
// value, if v is one this package created.
func unwrapHeaders(v goja.Value) (*headers.Headers, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	h, ok := headersByObject.Load(obj)
	if !ok {
		return nil, false
	}
	return h.(*headers.Headers), true
}

// wrapHeadersInto installs get/set/append/delete/has/forEach/entries
// onto an existing object, registering it as h's JS
// wrapper. Used both for the Headers constructor (obj = call.This) and
// for exposing a Request/Response's headers (obj = a fresh object).
func wrapHeadersInto(rt *goja.Runtime, obj *goja.Object, h *headers.Headers) {
	registerHeadersObject(obj, h)

	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		v, ok := h.Get(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return rt.ToValue(v)
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(h.Has(call.Argument(0).String()))
	})
	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		if err := h.Set(call.Argument(0).String(), call.Argument(1).String()); err != nil {
			throwTypeError(rt, "%v", err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("append", func(call goja.FunctionCall) goja.Value {
		if err := h.Append(call.Argument(0).String(), call.Argument(1).String()); err != nil {
			throwTypeError(rt, "%v", err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("delete", func(call goja.FunctionCall) goja.Value {
		if err := h.Delete(call.Argument(0).String()); err != nil {
			throwTypeError(rt, "%v", err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("forEach", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			throwTypeError(rt, "forEach callback is not a function")
		}
		for _, pair := range h.Entries() {
			if _, err := fn(goja.Undefined(), rt.ToValue(pair.Value), rt.ToValue(pair.Name), obj); err != nil {
				panic(err)
			}
		}
		return goja.Undefined()
	})
	_ = obj.Set("entries", func(call goja.FunctionCall) goja.Value {
		pairs := h.Entries()
		out := make([][]string, len(pairs))
		for i, p := range pairs {
			out[i] = []string{p.Name, p.Value}
		}
		return rt.ToValue(out)
	})
}

// wrapHeaders builds a fresh JS Headers object over h.
func wrapHeaders(rt *goja.Runtime, h *headers.Headers) *goja.Object {
	obj := rt.NewObject()
	wrapHeadersInto(rt, obj, h)
	return obj
}

// installHeaders binds the Headers constructor, accepting either another
// Headers instance, a plain {name: value} object, or an array of
// [name, value] pairs.
func (e *Environment) installHeaders(rt *goja.Runtime) {
	ctor := func(call goja.ConstructorCall) *goja.Object {
		h := headers.New(headers.GuardNone)
		if len(call.Arguments) > 0 && !isNullish(call.Argument(0)) {
			applyHeadersInit(h, call.Argument(0))
		}
		wrapHeadersInto(rt, call.This, h)
		return nil
	}
	_ = rt.Set("Headers", rt.ToValue(ctor))
}

func applyHeadersInit(h *headers.Headers, init goja.Value) {
	if existing, ok := unwrapHeaders(init); ok {
		for _, p := range existing.Entries() {
			_ = h.Append(p.Name, p.Value)
		}
		return
	}
	obj, ok := init.(*goja.Object)
	if !ok {
		return
	}
	if lengthVal := obj.Get("length"); lengthVal != nil && !goja.IsUndefined(lengthVal) {
		length := int(lengthVal.ToInteger())
		for i := 0; i < length; i++ {
			pairObj, ok := obj.Get(strconv.Itoa(i)).(*goja.Object)
			if !ok {
				continue
			}
			name := pairObj.Get("0")
			value := pairObj.Get("1")
			if name != nil && value != nil {
				_ = h.Append(name.String(), value.String())
			}
		}
		return
	}
	for _, key := range obj.Keys() {
		_ = h.Append(key, obj.Get(key).String())
	}
}
