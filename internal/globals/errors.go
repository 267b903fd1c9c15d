package globals

import (
	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/domexception"
)

// errorToJSValue converts a Go error into the value a Promise rejection
// or throw should carry: a DOMException-shaped object when err wraps
// one, otherwise a plain JS Error built from err.Error().
func errorToJSValue(rt *goja.Runtime, err error) goja.Value {
	if err == nil {
		return goja.Undefined()
	}
	if domErr, ok := asDOMException(err); ok {
		return wrapDOMException(rt, domErr)
	}
	errCtor, _ := goja.AssertFunction(rt.GlobalObject().Get("Error"))
	if errCtor == nil {
		return rt.ToValue(err.Error())
	}
	v, callErr := errCtor(nil, rt.ToValue(err.Error()))
	if callErr != nil {
		return rt.ToValue(err.Error())
	}
	return v
}

func asDOMException(err error) (*domexception.DOMException, bool) {
	for err != nil {
		if de, ok := err.(*domexception.DOMException); ok {
			return de, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = unwrapper.Unwrap()
	}
	return nil, false
}

func wrapDOMException(rt *goja.Runtime, de *domexception.DOMException) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("name", string(de.ExceptionName))
	_ = obj.Set("message", de.Message)
	_ = obj.Set("code", de.Code())
	return obj
}
