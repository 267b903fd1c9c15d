package globals

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// installEncoding binds TextEncoder/TextDecoder (UTF-8 only) and
// atob/btoa, the minimal subset of codec builtins the core's body and
// header handling needs; full multi-encoding fidelity is out of scope.
func (e *Environment) installEncoding(rt *goja.Runtime) {
	encoderCtor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		_ = obj.Set("encoding", "utf-8")
		_ = obj.Set("encode", func(c goja.FunctionCall) goja.Value {
			s := ""
			if len(c.Arguments) > 0 {
				s = c.Argument(0).String()
			}
			return rt.ToValue(rt.NewArrayBuffer([]byte(s)))
		})
		return nil
	}
	_ = rt.Set("TextEncoder", rt.ToValue(encoderCtor))

	decoderCtor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		_ = obj.Set("encoding", "utf-8")
		_ = obj.Set("decode", func(c goja.FunctionCall) goja.Value {
			data := bytesFromArrayLike(c.Argument(0))
			if !utf8.Valid(data) {
				throwTypeError(rt, "input is not valid UTF-8")
			}
			return rt.ToValue(string(data))
		})
		return nil
	}
	_ = rt.Set("TextDecoder", rt.ToValue(decoderCtor))

	_ = rt.Set("btoa", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	})
	_ = rt.Set("atob", func(call goja.FunctionCall) goja.Value {
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			throwTypeError(rt, "invalid base64 input: %v", err)
		}
		return rt.ToValue(string(decoded))
	})
}

// bytesFromArrayLike extracts the byte content of an ArrayBuffer,
// typed-array view, or a plain string, covering the argument shapes
// TextDecoder.decode accepts in practice.
func bytesFromArrayLike(v goja.Value) []byte {
	if isNullish(v) {
		return nil
	}
	if ab, ok := v.Export().(goja.ArrayBuffer); ok {
		return ab.Bytes()
	}
	if b, ok := v.Export().([]byte); ok {
		return b
	}
	return []byte(v.String())
}
