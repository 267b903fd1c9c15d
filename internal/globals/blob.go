package globals

import (
	"strconv"
	"sync"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/blobstore"
	"github.com/bytecodealliance/starling-go/internal/formdata"
)

var blobByObject sync.Map // map[*goja.Object]blobstore.Blob

func unwrapBlob(v goja.Value) (blobstore.Blob, bool) {
	if isNullish(v) {
		return blobstore.Blob{}, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return blobstore.Blob{}, false
	}
	b, ok := blobByObject.Load(obj)
	if !ok {
		return blobstore.Blob{}, false
	}
	return b.(blobstore.Blob), true
}

func blobFromEntry(en formdata.Entry) blobstore.Blob {
	return blobstore.Blob{Bytes: en.Bytes, Type: en.ContentType, Name: en.Filename}
}

func wrapBlob(rt *goja.Runtime, b blobstore.Blob) *goja.Object {
	obj := rt.NewObject()
	blobByObject.Store(obj, b)
	_ = obj.Set("size", len(b.Bytes))
	_ = obj.Set("type", b.Type)
	if b.Name != "" {
		_ = obj.Set("name", b.Name)
	}
	_ = obj.Set("slice", func(call goja.FunctionCall) goja.Value {
		start, end := 0, len(b.Bytes)
		if len(call.Arguments) > 0 {
			start = int(call.Argument(0).ToInteger())
		}
		if len(call.Arguments) > 1 {
			end = int(call.Argument(1).ToInteger())
		}
		if start < 0 {
			start = 0
		}
		if end > len(b.Bytes) {
			end = len(b.Bytes)
		}
		contentType := b.Type
		if len(call.Arguments) > 2 {
			contentType = call.Argument(2).String()
		}
		return wrapBlob(rt, blobstore.Blob{Bytes: append([]byte(nil), b.Bytes[start:end]...), Type: contentType})
	})
	_ = obj.Set("arrayBuffer", func(call goja.FunctionCall) goja.Value {
		promise, resolve, _ := rt.NewPromise()
		resolve(rt.ToValue(rt.NewArrayBuffer(append([]byte(nil), b.Bytes...))))
		return rt.ToValue(promise)
	})
	_ = obj.Set("text", func(call goja.FunctionCall) goja.Value {
		promise, resolve, _ := rt.NewPromise()
		resolve(string(b.Bytes))
		return rt.ToValue(promise)
	})
	return obj
}

// blobPartsToBytes concatenates a BlobPart[] (array of strings and/or
// Blob/File values) into one byte slice, the subset of the Blob
// constructor's coercion rules the core's invariants exercise.
func blobPartsToBytes(parts goja.Value) []byte {
	obj, ok := parts.(*goja.Object)
	if !ok {
		return nil
	}
	length := int(obj.Get("length").ToInteger())
	var out []byte
	for i := 0; i < length; i++ {
		part := obj.Get(strconv.Itoa(i))
		if blob, ok := unwrapBlob(part); ok {
			out = append(out, blob.Bytes...)
			continue
		}
		out = append(out, []byte(part.String())...)
	}
	return out
}

func (e *Environment) installBlob(rt *goja.Runtime) {
	blobCtor := func(call goja.ConstructorCall) *goja.Object {
		var bytes []byte
		if len(call.Arguments) > 0 {
			bytes = blobPartsToBytes(call.Argument(0))
		}
		contentType := ""
		if len(call.Arguments) > 1 {
			if initObj, ok := call.Argument(1).(*goja.Object); ok {
				if t := initObj.Get("type"); t != nil && !goja.IsUndefined(t) {
					contentType = t.String()
				}
			}
		}
		b := blobstore.Blob{Bytes: bytes, Type: contentType}
		blobByObject.Store(call.This, b)
		populateBlobProps(call.This, b)
		return nil
	}
	_ = rt.Set("Blob", rt.ToValue(blobCtor))

	fileCtor := func(call goja.ConstructorCall) *goja.Object {
		var bytes []byte
		if len(call.Arguments) > 0 {
			bytes = blobPartsToBytes(call.Argument(0))
		}
		name := formdata.DefaultFilename
		if len(call.Arguments) > 1 {
			name = call.Argument(1).String()
		}
		contentType := ""
		if len(call.Arguments) > 2 {
			if initObj, ok := call.Argument(2).(*goja.Object); ok {
				if t := initObj.Get("type"); t != nil && !goja.IsUndefined(t) {
					contentType = t.String()
				}
			}
		}
		b := blobstore.Blob{Bytes: bytes, Type: contentType, Name: name}
		blobByObject.Store(call.This, b)
		populateBlobProps(call.This, b)
		return nil
	}
	_ = rt.Set("File", rt.ToValue(fileCtor))

	e.installFormData(rt)
}

// populateBlobProps mirrors wrapBlob's method set onto an in-place
// ConstructorCall.This, since Blob/File must expose methods on the
// constructed instance itself rather than a freshly wrapped object.
func populateBlobProps(obj *goja.Object, b blobstore.Blob) {
	rt := obj.Runtime()
	wrapped := wrapBlob(rt, b)
	for _, key := range wrapped.Keys() {
		_ = obj.Set(key, wrapped.Get(key))
	}
}
