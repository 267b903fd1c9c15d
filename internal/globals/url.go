package globals

import (
	"net/url"
	"sync"

	"github.com/dop251/goja"
)

var searchParamsByObject sync.Map // map[*goja.Object]url.Values

func unwrapURLSearchParams(v goja.Value) (url.Values, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	vals, ok := searchParamsByObject.Load(obj)
	if !ok {
		return nil, false
	}
	return vals.(url.Values), true
}

func wrapURLSearchParams(rt *goja.Runtime, values url.Values) *goja.Object {
	obj := rt.NewObject()
	populateSearchParams(rt, obj, values)
	return obj
}

func populateSearchParams(rt *goja.Runtime, obj *goja.Object, values url.Values) {
	searchParamsByObject.Store(obj, values)
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		vs := values[call.Argument(0).String()]
		if len(vs) == 0 {
			return goja.Null()
		}
		return rt.ToValue(vs[0])
	})
	_ = obj.Set("getAll", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(append([]string(nil), values[call.Argument(0).String()]...))
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		_, ok := values[call.Argument(0).String()]
		return rt.ToValue(ok)
	})
	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		values.Set(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = obj.Set("append", func(call goja.FunctionCall) goja.Value {
		values.Add(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = obj.Set("delete", func(call goja.FunctionCall) goja.Value {
		values.Del(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("toString", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(values.Encode())
	})
}

func (e *Environment) installURL(rt *goja.Runtime) {
	searchParamsCtor := func(call goja.ConstructorCall) *goja.Object {
		values := url.Values{}
		if len(call.Arguments) > 0 && !isNullish(call.Argument(0)) {
			switch init := call.Argument(0).Export().(type) {
			case string:
				parsed, err := url.ParseQuery(init)
				if err == nil {
					values = parsed
				}
			default:
				if obj, ok := call.Argument(0).(*goja.Object); ok {
					for _, key := range obj.Keys() {
						values.Set(key, obj.Get(key).String())
					}
				}
			}
		}
		populateSearchParams(rt, call.This, values)
		return nil
	}
	_ = rt.Set("URLSearchParams", rt.ToValue(searchParamsCtor))

	urlCtor := func(call goja.ConstructorCall) *goja.Object {
		raw := call.Argument(0).String()
		var parsed *url.URL
		var err error
		if base := call.Argument(1); !isNullish(base) {
			var baseURL *url.URL
			baseURL, err = url.Parse(base.String())
			if err == nil {
				parsed, err = baseURL.Parse(raw)
			}
		} else {
			parsed, err = url.Parse(raw)
		}
		if err != nil {
			throwTypeError(rt, "invalid URL %q: %v", raw, err)
		}
		wrapURLInto(rt, call.This, parsed)
		return nil
	}
	_ = rt.Set("URL", rt.ToValue(urlCtor))
}

func wrapURLInto(rt *goja.Runtime, obj *goja.Object, u *url.URL) {
	refresh := func() {
		_ = obj.Set("href", u.String())
		_ = obj.Set("protocol", u.Scheme+":")
		_ = obj.Set("host", u.Host)
		_ = obj.Set("hostname", u.Hostname())
		_ = obj.Set("port", u.Port())
		_ = obj.Set("pathname", u.Path)
		_ = obj.Set("search", urlSearchString(u))
		_ = obj.Set("hash", u.Fragment)
		if u.Fragment != "" {
			_ = obj.Set("hash", "#"+u.Fragment)
		}
		_ = obj.Set("origin", u.Scheme+"://"+u.Host)
		_ = obj.Set("searchParams", wrapURLSearchParams(rt, u.Query()))
	}
	refresh()
	_ = obj.Set("toString", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(u.String())
	})
}

func urlSearchString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}
