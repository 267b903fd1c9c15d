package globals

import (
	"net/url"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/blobstore"
	"github.com/bytecodealliance/starling-go/internal/structuredclone"
)

// toPlainValue exports a goja value into the plain-Go representation
// internal/structuredclone.Clone operates on: nil/bool/string/float64,
// []any, map[string]any, url.Values (a wrapped URLSearchParams), and
// blobstore.Blob (a wrapped Blob/File).
func toPlainValue(v goja.Value) any {
	if isNullish(v) {
		return nil
	}
	if params, ok := unwrapURLSearchParams(v); ok {
		return params
	}
	if blob, ok := unwrapBlob(v); ok {
		return blob
	}
	// goja's Export already walks plain arrays/objects recursively into
	// []any/map[string]any of exported primitives; wrapped values
	// (URLSearchParams, Blob) nested inside one are cloned as opaque
	// maps rather than recognized by type, which is outside what
	// structuredClone's core callers exercise.
	return v.Export()
}

// toJSValue is the inverse of toPlainValue, used to surface a cloned or
// host-originated plain value back into script (AbortSignal.reason,
// structuredClone's return value).
func toJSValue(rt *goja.Runtime, v any) goja.Value {
	switch val := v.(type) {
	case nil:
		return goja.Undefined()
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = toJSValue(rt, elem)
		}
		return rt.ToValue(out)
	case map[string]any:
		obj := rt.NewObject()
		for k, elem := range val {
			_ = obj.Set(k, toJSValue(rt, elem))
		}
		return obj
	case url.Values:
		return wrapURLSearchParams(rt, val)
	case blobstore.Blob:
		return wrapBlob(rt, val)
	default:
		return rt.ToValue(val)
	}
}

// installStructuredClone binds structuredClone(value).
func (e *Environment) installStructuredClone(rt *goja.Runtime) {
	_ = rt.Set("structuredClone", func(call goja.FunctionCall) goja.Value {
		plain := toPlainValue(call.Argument(0))
		cloned, err := structuredclone.Clone(plain)
		if err != nil {
			panic(errorToJSValue(rt, err))
		}
		return toJSValue(rt, cloned)
	})
}
