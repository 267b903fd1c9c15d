package globals

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/formdata"
)

var formDataByObject sync.Map // map[*goja.Object]*[]formdata.Entry

func unwrapFormData(v goja.Value) (*[]formdata.Entry, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	entries, ok := formDataByObject.Load(obj)
	if !ok {
		return nil, false
	}
	return entries.(*[]formdata.Entry), true
}

func entryFromValue(name string, value goja.Value, filename string) formdata.Entry {
	if blob, ok := unwrapBlob(value); ok {
		fname := filename
		if fname == "" {
			fname = blob.Name
		}
		return formdata.Entry{Name: name, IsFile: true, Filename: fname, ContentType: blob.Type, Bytes: blob.Bytes}
	}
	return formdata.Entry{Name: name, Value: value.String()}
}

// installFormData binds the FormData constructor: append/set/get/getAll/
// has/delete/entries over an ordered []formdata.Entry, mirroring the
// multipart field order Encode later serializes.
func (e *Environment) installFormData(rt *goja.Runtime) {
	ctor := func(call goja.ConstructorCall) *goja.Object {
		entries := &[]formdata.Entry{}
		populateFormDataMethods(rt, call.This, entries)
		return nil
	}
	_ = rt.Set("FormData", rt.ToValue(ctor))
}

// wrapFormDataEntries builds a FormData instance from already-decoded
// entries, for Request/Response.formData()'s return value.
func wrapFormDataEntries(rt *goja.Runtime, decoded []formdata.Entry) *goja.Object {
	obj := rt.NewObject()
	entries := &decoded
	populateFormDataMethods(rt, obj, entries)
	return obj
}

// populateFormDataMethods installs append/set/delete/has/get/getAll/
// entries onto obj backed by entries, shared by the FormData
// constructor and formData() body-consumption results.
func populateFormDataMethods(rt *goja.Runtime, obj *goja.Object, entries *[]formdata.Entry) {
	formDataByObject.Store(obj, entries)

	_ = obj.Set("append", func(c goja.FunctionCall) goja.Value {
		name := c.Argument(0).String()
		filename := ""
		if len(c.Arguments) > 2 {
			filename = c.Argument(2).String()
		}
		*entries = append(*entries, entryFromValue(name, c.Argument(1), filename))
		return goja.Undefined()
	})
	_ = obj.Set("set", func(c goja.FunctionCall) goja.Value {
		name := c.Argument(0).String()
		filename := ""
		if len(c.Arguments) > 2 {
			filename = c.Argument(2).String()
		}
		kept := (*entries)[:0]
		for _, en := range *entries {
			if en.Name != name {
				kept = append(kept, en)
			}
		}
		*entries = append(kept, entryFromValue(name, c.Argument(1), filename))
		return goja.Undefined()
	})
	_ = obj.Set("delete", func(c goja.FunctionCall) goja.Value {
		name := c.Argument(0).String()
		kept := (*entries)[:0]
		for _, en := range *entries {
			if en.Name != name {
				kept = append(kept, en)
			}
		}
		*entries = kept
		return goja.Undefined()
	})
	_ = obj.Set("has", func(c goja.FunctionCall) goja.Value {
		name := c.Argument(0).String()
		for _, en := range *entries {
			if en.Name == name {
				return rt.ToValue(true)
			}
		}
		return rt.ToValue(false)
	})
	_ = obj.Set("get", func(c goja.FunctionCall) goja.Value {
		name := c.Argument(0).String()
		for _, en := range *entries {
			if en.Name == name {
				return formDataEntryValue(rt, en)
			}
		}
		return goja.Null()
	})
	_ = obj.Set("getAll", func(c goja.FunctionCall) goja.Value {
		name := c.Argument(0).String()
		var out []goja.Value
		for _, en := range *entries {
			if en.Name == name {
				out = append(out, formDataEntryValue(rt, en))
			}
		}
		return rt.ToValue(out)
	})
	_ = obj.Set("entries", func(c goja.FunctionCall) goja.Value {
		out := make([][2]goja.Value, len(*entries))
		for i, en := range *entries {
			out[i] = [2]goja.Value{rt.ToValue(en.Name), formDataEntryValue(rt, en)}
		}
		return rt.ToValue(out)
	})
}

func formDataEntryValue(rt *goja.Runtime, en formdata.Entry) goja.Value {
	if en.IsFile {
		return wrapBlob(rt, blobFromEntry(en))
	}
	return rt.ToValue(en.Value)
}
