// Package vm adapts github.com/dop251/goja into the shape the core
// needs: a single-threaded script evaluator whose job/microtask queue
// the event loop can drain (internal/eventloop.MicrotaskDrainer), and a
// bridge between Go-level [fetchevent.Awaitable]-style callbacks and
// JS-visible Promise objects. Grounded on
// _examples/other_examples/ef415371_joeycumines-go-utilpkg__goja-grpc-client.go.go
// for the general goja.Runtime/goja.Object/goja.Callable usage pattern
// (NewObject, ToValue, AssertFunction, panic(NewTypeError(...)) for
// FFI-boundary errors).
package vm

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Runtime wraps a goja.Runtime with the job-queue draining and
// promise-bridging the event loop and globals layer need.
type Runtime struct {
	vm *goja.Runtime
}

// New constructs a Runtime with a fresh goja.Runtime.
func New() *Runtime {
	return &Runtime{vm: goja.New()}
}

// Goja returns the underlying *goja.Runtime, for internal/globals to
// install constructors and functions on the global object.
func (r *Runtime) Goja() *goja.Runtime { return r.vm }

// RunScript evaluates src under name and returns its completion value.
func (r *Runtime) RunScript(name, src string) (goja.Value, error) {
	return r.vm.RunScript(name, src)
}

// DrainMicrotasks implements eventloop.MicrotaskDrainer: it runs every
// queued promise-reaction job, including ones enqueued by earlier jobs
// in the same drain, until goja's job queue is empty. A panic escaping
// a job (an uncaught JS exception raised outside any promise, e.g. a
// top-level throw) is recovered and returned as an error so the loop
// can wrap it in ErrUncaughtException rather than crashing the process.
func (r *Runtime) DrainMicrotasks() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm: panic draining jobs: %v", rec)
		}
	}()
	return r.vm.RunJobs()
}

// NewPromise creates a new pending Promise and returns it alongside its
// resolve/reject functions, for Go code (fetch, ReadableStream reads)
// to hand a promise back to JS and settle it later from a
// background completion.
func (r *Runtime) NewPromise() (*goja.Promise, func(any), func(any)) {
	return r.vm.NewPromise()
}

// ErrNotThenable is returned by ToAwaitable when the value has no
// callable "then" method.
var ErrNotThenable = errors.New("vm: value is not thenable")

// ToAwaitable adapts a JS value into an object satisfying the
// OnSettle(resolve, reject) shape that fetchevent.Awaitable and
// abort-adjacent Go code expect, without either of those packages
// importing goja directly. A *goja.Promise is handled via its native
// then; any other object exposing a callable "then" property is treated
// as a generic thenable and invoked the same way.
func (r *Runtime) ToAwaitable(v goja.Value) (*PromiseAwaitable, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, ErrNotThenable
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, ErrNotThenable
	}
	thenVal := obj.Get("then")
	then, ok := goja.AssertFunction(thenVal)
	if !ok {
		return nil, ErrNotThenable
	}
	return &PromiseAwaitable{vm: r.vm, this: obj, then: then}, nil
}

// PromiseAwaitable adapts a JS thenable's then(onResolve, onReject) into
// the Go-side OnSettle(resolve, reject) shape used across package
// boundaries (fetchevent.Awaitable, and any future consumer of settled
// JS values).
type PromiseAwaitable struct {
	vm   *goja.Runtime
	this *goja.Object
	then goja.Callable
}

// OnSettle registers resolve/reject with the wrapped thenable's then
// method. Exactly one of resolve/reject fires, exactly once, the next
// time the event loop drains microtasks after the underlying promise
// settles.
func (p *PromiseAwaitable) OnSettle(resolve func(value any), reject func(err error)) {
	onResolve := p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		resolve(exportArg(call, 0))
		return goja.Undefined()
	})
	onReject := p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		reject(valueToError(p.vm, call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := p.then(p.this, onResolve, onReject); err != nil {
		reject(err)
	}
}

func exportArg(call goja.FunctionCall, i int) any {
	arg := call.Argument(i)
	if arg == nil || goja.IsUndefined(arg) {
		return nil
	}
	return arg.Export()
}

// valueToError coerces a JS rejection reason into a Go error: an Error
// object's message if present, otherwise a string rendering of the
// value itself.
func valueToError(vm *goja.Runtime, reason goja.Value) error {
	if reason == nil || goja.IsUndefined(reason) {
		return errors.New("promise rejected with no reason")
	}
	if obj, ok := reason.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return fmt.Errorf("%s", msg.String())
		}
	}
	return fmt.Errorf("%s", reason.String())
}

// ThrowTypeError panics with a goja TypeError, the FFI-boundary error
// convention every exported global function uses.
func (r *Runtime) ThrowTypeError(format string, args ...any) {
	panic(r.vm.NewTypeError(format, args...))
}
