package globals

import (
	"time"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/timers"
)

// installTimers binds setTimeout/setInterval/clearTimeout/clearInterval
// onto e.Timers.
func (e *Environment) installTimers(rt *goja.Runtime) {
	set := func(repeat bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				throwTypeError(rt, "callback is not a function")
			}
			delayMS := call.Argument(1).ToInteger()
			var extra []any
			if len(call.Arguments) > 2 {
				for _, a := range call.Arguments[2:] {
					extra = append(extra, a)
				}
			}
			callback := func(args []any) {
				jsArgs := make([]goja.Value, len(args))
				for i, a := range args {
					jsArgs[i] = a.(goja.Value)
				}
				if _, err := fn(goja.Undefined(), jsArgs...); err != nil {
					e.Logger.Error("uncaught exception in timer callback", "error", err)
				}
			}
			id := e.Timers.Set(time.Duration(delayMS)*time.Millisecond, repeat, callback, extra)
			return rt.ToValue(uint64(id))
		}
	}
	_ = rt.Set("setTimeout", set(false))
	_ = rt.Set("setInterval", set(true))

	clear := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		e.Timers.Clear(timers.ID(id))
		return goja.Undefined()
	}
	_ = rt.Set("clearTimeout", clear)
	_ = rt.Set("clearInterval", clear)
}
