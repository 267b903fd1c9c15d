// Package globals installs the JS-visible surface the core needs onto a
// goja.Runtime: fetch, self/addEventListener, location,
// setTimeout/setInterval, structuredClone, and the Headers/Request/
// Response/AbortController/AbortSignal/Blob/File/FormData/URL/
// URLSearchParams/TextEncoder/TextDecoder/atob/btoa constructors. Every
// binding is a thin goja-FFI layer over the internal/* packages that
// hold the actual behavior; this package owns only the JS<->Go value
// translation, using runtime.NewObject/ToValue/AssertFunction and
// panic(NewTypeError(...)) as the shared FFI idiom throughout.
package globals

import (
	"log/slog"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/blobstore"
	"github.com/bytecodealliance/starling-go/internal/domevent"
	"github.com/bytecodealliance/starling-go/internal/egress"
	"github.com/bytecodealliance/starling-go/internal/eventloop"
	"github.com/bytecodealliance/starling-go/internal/fetchapi"
	"github.com/bytecodealliance/starling-go/internal/hostapi"
	"github.com/bytecodealliance/starling-go/internal/timers"
	"github.com/bytecodealliance/starling-go/internal/vm"
)

// Environment bundles everything the global bindings need: the loop and
// runtime they run on, and the capability objects each binding wraps.
type Environment struct {
	Loop       *eventloop.Loop
	Runtime    *vm.Runtime
	Host       hostapi.Host
	Dispatcher *fetchapi.Dispatcher
	Timers     *timers.Registry
	Blobs      *blobstore.Store
	Egress     *egress.Policy
	Logger     *slog.Logger

	// Self is the global scope's EventTarget, carrying the "fetch" and
	// any user-registered listeners (a FetchEvent is
	// dispatched to listeners added via self.addEventListener("fetch",
	// ...)).
	Self *domevent.EventTarget

	nextListenerID uint64
}

// New constructs an Environment with fresh Timers/Self state over the
// given loop/runtime/host/dispatcher/blobs/egress.
func New(loop *eventloop.Loop, rt *vm.Runtime, host hostapi.Host, dispatcher *fetchapi.Dispatcher, blobs *blobstore.Store, egressPolicy *egress.Policy, logger *slog.Logger) *Environment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{
		Loop:       loop,
		Runtime:    rt,
		Host:       host,
		Dispatcher: dispatcher,
		Timers:     timers.NewRegistry(host.Clock, loop),
		Blobs:      blobs,
		Egress:     egressPolicy,
		Logger:     logger,
		Self:       domevent.NewEventTarget(logger),
	}
}

// allocListenerID mints a fresh identity token for one addEventListener
// call, used by domevent.EventTarget's identityKey (callback function
// values are not comparable in Go, so each call gets a synthetic id; the
// same JS function added twice gets two different ids).
func (e *Environment) allocListenerID() uint64 {
	e.nextListenerID++
	return e.nextListenerID
}

// Install binds every global onto rt's global object.
func (e *Environment) Install() {
	rt := e.Runtime.Goja()

	e.installSelfAndEvents(rt)
	e.installTimers(rt)
	e.installAbort(rt)
	e.installHeaders(rt)
	e.installStreams(rt)
	e.installRequestResponse(rt)
	e.installFetch(rt)
	e.installStructuredClone(rt)
	e.installEncoding(rt)
	e.installBlob(rt)
	e.installURL(rt)
}

// throwTypeError is the shared FFI-boundary error convention: host and
// validation errors collapse to a JS TypeError.
func throwTypeError(rt *goja.Runtime, format string, args ...any) {
	panic(rt.NewTypeError(format, args...))
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
