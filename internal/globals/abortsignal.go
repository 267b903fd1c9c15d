package globals

import (
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/abort"
	"github.com/bytecodealliance/starling-go/internal/domevent"
)

// signalByObject backs unwrapAbortSignal: every AbortSignal wrapper
// object this package creates is registered here at construction time so
// fetch(), Request's signal option, and AbortSignal.any can recover the
// underlying *abort.Signal from a JS value.
var signalByObject sync.Map // map[*goja.Object]*abort.Signal

func registerSignalObject(obj *goja.Object, s *abort.Signal) {
	signalByObject.Store(obj, s)
}

// unwrapSignal extracts the *abort.Signal backing a JS AbortSignal
// value, if v is one this package created.
func unwrapSignal(v goja.Value) (*abort.Signal, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	s, ok := signalByObject.Load(obj)
	if !ok {
		return nil, false
	}
	return s.(*abort.Signal), true
}

// unwrapAbortSignal adapts a JS AbortSignal value into the
// domevent.AbortChecker shape addEventListener's {signal} option needs.
func unwrapAbortSignal(v goja.Value) (domevent.AbortChecker, bool) {
	s, ok := unwrapSignal(v)
	if !ok {
		return nil, false
	}
	return s, true
}

// wrapAbortSignal builds the JS AbortSignal object for s: a "reason"
// getter-like property, "aborted" boolean, throwIfAborted(), and
// addEventListener wiring for the "abort" event fired when s aborts.
// removeEventListener is a no-op and no onabort property is installed.
func (e *Environment) wrapAbortSignal(rt *goja.Runtime, s *abort.Signal) *goja.Object {
	obj := rt.NewObject()
	registerSignalObject(obj, s)

	refresh := func() {
		_ = obj.Set("aborted", s.Aborted())
		if s.Aborted() {
			_ = obj.Set("reason", toJSValue(rt, s.Reason()))
		}
	}
	refresh()

	target := domevent.NewEventTarget(e.Logger)
	_ = obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		eventType := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		id := e.allocListenerID()
		target.AddEventListener(eventType, id, func(ev *domevent.Event) {
			if _, err := fn(goja.Undefined(), wrapEvent(rt, e, ev)); err != nil {
				e.Logger.Error("uncaught exception in abort listener", "error", err)
			}
		}, domevent.ListenerOptions{})
		return goja.Undefined()
	})
	_ = obj.Set("removeEventListener", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })

	s.OnAbort(func() {
		refresh()
		ev := domevent.NewEvent("abort", false, false, false)
		ev.MarkTrusted()
		target.DispatchEvent(ev)
	})

	_ = obj.Set("throwIfAborted", func(call goja.FunctionCall) goja.Value {
		if s.Aborted() {
			panic(rt.ToValue(toJSValue(rt, s.Reason())))
		}
		return goja.Undefined()
	})

	return obj
}

// installAbort binds AbortController and AbortSignal.
func (e *Environment) installAbort(rt *goja.Runtime) {
	abortControllerCtor := func(call goja.ConstructorCall) *goja.Object {
		ctrl := abort.NewController()
		obj := call.This
		_ = obj.Set("signal", e.wrapAbortSignal(rt, ctrl.Signal))
		_ = obj.Set("abort", func(c goja.FunctionCall) goja.Value {
			var reason any
			if len(c.Arguments) > 0 {
				reason = c.Argument(0).Export()
			}
			ctrl.Abort(reason)
			return goja.Undefined()
		})
		return nil
	}
	_ = rt.Set("AbortController", rt.ToValue(abortControllerCtor))

	abortSignalCtor := func(call goja.ConstructorCall) *goja.Object {
		throwTypeError(rt, "AbortSignal is not constructible directly")
		return nil
	}
	signalCtorVal := rt.ToValue(abortSignalCtor)
	signalCtorObj := signalCtorVal.(*goja.Object)

	_ = signalCtorObj.Set("abort", func(call goja.FunctionCall) goja.Value {
		var reason any
		if len(call.Arguments) > 0 {
			reason = call.Argument(0).Export()
		}
		s := abort.AlreadyAborted(reason)
		return e.wrapAbortSignal(rt, s)
	})
	_ = signalCtorObj.Set("timeout", func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		s, fire := abort.Timeout(time.Duration(ms) * time.Millisecond)
		e.Timers.Set(time.Duration(ms)*time.Millisecond, false, func([]any) { fire() }, nil)
		return e.wrapAbortSignal(rt, s)
	})
	_ = signalCtorObj.Set("any", func(call goja.FunctionCall) goja.Value {
		arr := call.Argument(0)
		var signals []*abort.Signal
		if obj, ok := arr.(*goja.Object); ok {
			length := int(obj.Get("length").ToInteger())
			for i := 0; i < length; i++ {
				if s, ok := unwrapSignal(obj.Get(strconv.Itoa(i))); ok {
					signals = append(signals, s)
				}
			}
		}
		result := abort.Any(signals)
		return e.wrapAbortSignal(rt, result)
	})

	_ = rt.Set("AbortSignal", signalCtorVal)
}
