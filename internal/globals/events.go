package globals

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/domevent"
	"github.com/bytecodealliance/starling-go/internal/fetchevent"
)

// fetchEventByEvent associates a dispatched "fetch" domevent.Event with
// the fetchevent.FetchEvent it wraps, so wrapEvent can attach
// request/respondWith/waitUntil onto the JS-visible event object without
// domevent itself knowing about the fetch lifecycle.
var fetchEventByEvent sync.Map // map[*domevent.Event]*fetchevent.FetchEvent

// eventByObject recovers the domevent.Event a wrapEvent-built JS object
// wraps, for dispatchEvent(ev) calls on either self or a
// script-constructed EventTarget.
var eventByObject sync.Map // map[*goja.Object]*domevent.Event

func unwrapEvent(v goja.Value) (*domevent.Event, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	ev, ok := eventByObject.Load(obj)
	if !ok {
		return nil, false
	}
	return ev.(*domevent.Event), true
}

// DispatchFetch constructs a trusted "fetch" event wrapping fe and
// dispatches it to self's listeners, running respondWith/waitUntil
// registrations made by the handler synchronously before returning.
func (e *Environment) DispatchFetch(fe *fetchevent.FetchEvent) {
	ev := domevent.NewEvent("fetch", false, true, false)
	ev.MarkTrusted()
	fetchEventByEvent.Store(ev, fe)
	defer fetchEventByEvent.Delete(ev)

	fe.BeginDispatch()
	e.Self.DispatchEvent(ev)
	fe.EndDispatch()
}

// installSelfAndEvents binds self, addEventListener/removeEventListener/
// dispatchEvent, and a minimal location object.
func (e *Environment) installSelfAndEvents(rt *goja.Runtime) {
	self := rt.NewObject()

	addListener := func(call goja.FunctionCall) goja.Value {
		eventType := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		opts := parseListenerOptions(call.Argument(2))
		id := e.allocListenerID()
		e.Self.AddEventListener(eventType, id, func(ev *domevent.Event) {
			jsEvent := wrapEvent(rt, e, ev)
			if _, err := fn(goja.Undefined(), jsEvent); err != nil {
				e.Logger.Error("uncaught exception in event listener", "type", eventType, "error", err)
			}
		}, opts)
		return goja.Undefined()
	}

	_ = self.Set("addEventListener", addListener)
	_ = self.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		// Removal by value identity isn't tracked per-callback here;
		// scripts that need precise removal should keep the options
		// object's signal instead. This is a no-op placeholder satisfying the surface.
		return goja.Undefined()
	})
	_ = self.Set("dispatchEvent", func(call goja.FunctionCall) goja.Value {
		ev, ok := unwrapEvent(call.Argument(0))
		if !ok {
			return rt.ToValue(true)
		}
		return rt.ToValue(e.Self.DispatchEvent(ev))
	})

	_ = rt.Set("self", self)
	_ = rt.Set("addEventListener", addListener)

	location := rt.NewObject()
	_ = location.Set("href", "https://starling.invalid/")
	_ = location.Set("origin", "https://starling.invalid")
	_ = rt.Set("location", location)

	e.installEventConstructors(rt)
}

// installEventConstructors binds the bare Event and EventTarget
// constructors: script-visible counterparts to the trusted events this
// runtime dispatches itself (fetch, abort), for handlers that want to
// construct and dispatch their own. CustomEvent's detail-payload variant
// has no call site anywhere in this runtime's event types (only "fetch"
// and "abort" are ever dispatched) and is not implemented.
func (e *Environment) installEventConstructors(rt *goja.Runtime) {
	eventCtor := func(call goja.ConstructorCall) *goja.Object {
		eventType := call.Argument(0).String()
		bubbles, cancelable, composed := false, false, false
		if initObj, ok := call.Argument(1).(*goja.Object); ok {
			if b := initObj.Get("bubbles"); b != nil {
				bubbles = b.ToBoolean()
			}
			if c := initObj.Get("cancelable"); c != nil {
				cancelable = c.ToBoolean()
			}
			if c := initObj.Get("composed"); c != nil {
				composed = c.ToBoolean()
			}
		}
		ev := domevent.NewEvent(eventType, bubbles, cancelable, composed)
		wrapEventInto(rt, e, call.This, ev)
		return nil
	}
	_ = rt.Set("Event", rt.ToValue(eventCtor))

	targetCtor := func(call goja.ConstructorCall) *goja.Object {
		target := domevent.NewEventTarget(e.Logger)
		wrapEventTargetInto(rt, e, call.This, target)
		return nil
	}
	_ = rt.Set("EventTarget", rt.ToValue(targetCtor))
}

// wrapEventTargetInto installs addEventListener/removeEventListener/
// dispatchEvent onto obj, bound to target, the same listener-option
// parsing and wrapEvent bridging installSelfAndEvents uses for self.
func wrapEventTargetInto(rt *goja.Runtime, e *Environment, obj *goja.Object, target *domevent.EventTarget) {
	_ = obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		eventType := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		opts := parseListenerOptions(call.Argument(2))
		id := e.allocListenerID()
		target.AddEventListener(eventType, id, func(ev *domevent.Event) {
			jsEvent := wrapEvent(rt, e, ev)
			if _, err := fn(goja.Undefined(), jsEvent); err != nil {
				e.Logger.Error("uncaught exception in event listener", "type", eventType, "error", err)
			}
		}, opts)
		return goja.Undefined()
	})
	_ = obj.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})
	_ = obj.Set("dispatchEvent", func(call goja.FunctionCall) goja.Value {
		ev, ok := unwrapEvent(call.Argument(0))
		if !ok {
			return rt.ToValue(true)
		}
		return rt.ToValue(target.DispatchEvent(ev))
	})
}

func parseListenerOptions(v goja.Value) domevent.ListenerOptions {
	var opts domevent.ListenerOptions
	if isNullish(v) {
		return opts
	}
	if b, ok := v.Export().(bool); ok {
		opts.Capture = b
		return opts
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return opts
	}
	if c := obj.Get("capture"); c != nil {
		opts.Capture = c.ToBoolean()
	}
	if p := obj.Get("passive"); p != nil {
		opts.Passive = p.ToBoolean()
	}
	if o := obj.Get("once"); o != nil {
		opts.Once = o.ToBoolean()
	}
	if sig := obj.Get("signal"); sig != nil && !isNullish(sig) {
		if checker, ok := unwrapAbortSignal(sig); ok {
			opts.Signal = checker
		}
	}
	return opts
}

// wrapEvent exposes a domevent.Event's fields as a plain JS object. A
// "fetch" event additionally gets request/respondWith/waitUntil, looked
// up via fetchEventByEvent since domevent.Event carries no payload
// field of its own.
func wrapEvent(rt *goja.Runtime, e *Environment, ev *domevent.Event) goja.Value {
	obj := rt.NewObject()
	wrapEventInto(rt, e, obj, ev)
	return obj
}

// wrapEventInto installs the Event surface onto obj and registers it in
// eventByObject so a later dispatchEvent(obj) call can recover ev. Used
// both for events the runtime dispatches itself (DispatchFetch,
// AbortSignal firing) and for the Event constructor's call.This.
func wrapEventInto(rt *goja.Runtime, e *Environment, obj *goja.Object, ev *domevent.Event) {
	eventByObject.Store(obj, ev)
	_ = obj.Set("type", ev.Type)
	_ = obj.Set("bubbles", ev.Bubbles)
	_ = obj.Set("cancelable", ev.Cancelable)
	_ = obj.Set("defaultPrevented", ev.DefaultPrevented())
	_ = obj.Set("isTrusted", ev.Trusted())
	_ = obj.Set("preventDefault", func(goja.FunctionCall) goja.Value { ev.PreventDefault(); return goja.Undefined() })
	_ = obj.Set("stopPropagation", func(goja.FunctionCall) goja.Value { ev.StopPropagation(); return goja.Undefined() })
	_ = obj.Set("stopImmediatePropagation", func(goja.FunctionCall) goja.Value {
		ev.StopImmediatePropagation()
		return goja.Undefined()
	})

	if ev.Type == "fetch" {
		if v, ok := fetchEventByEvent.Load(ev); ok {
			addFetchEventMethods(rt, e, obj, v.(*fetchevent.FetchEvent))
		}
	}
}

// addFetchEventMethods installs the FetchEvent-specific surface: the
// incoming request, respondWith (accepting a Response or a thenable), and
// waitUntil (accepting a thenable; any other value throws a TypeError).
func addFetchEventMethods(rt *goja.Runtime, e *Environment, obj *goja.Object, fe *fetchevent.FetchEvent) {
	_ = obj.Set("request", e.wrapRequest(rt, fe.Request))
	_ = obj.Set("respondWith", func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0)
		if resp, ok := unwrapResponse(value); ok {
			if err := fe.RespondWith(resp); err != nil {
				throwTypeError(rt, "%v", err)
			}
			return goja.Undefined()
		}
		aw, err := e.Runtime.ToAwaitable(value)
		if err != nil {
			throwTypeError(rt, "respondWith value is neither a Response nor thenable")
		}
		if err := fe.RespondWith(aw); err != nil {
			throwTypeError(rt, "%v", err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("waitUntil", func(call goja.FunctionCall) goja.Value {
		aw, err := e.Runtime.ToAwaitable(call.Argument(0))
		if err != nil {
			throwTypeError(rt, "waitUntil value is not thenable")
		}
		fe.WaitUntil(aw)
		return goja.Undefined()
	})
}
