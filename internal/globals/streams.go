package globals

import (
	"fmt"
	"io"
	"sync"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/body"
	"github.com/bytecodealliance/starling-go/internal/hostapi"
	"github.com/bytecodealliance/starling-go/internal/httpmsg"
	"github.com/bytecodealliance/starling-go/internal/streambridge"
)

// readableStreamByObject lets unwrapReadableStream recover the
// jsReadableStream backing a JS ReadableStream value, the same
// sync.Map-over-*goja.Object pattern blob.go and formdata.go use.
var readableStreamByObject sync.Map // map[*goja.Object]*jsReadableStream

// pendingRead is a reader.read() call that arrived while the stream had
// neither a queued chunk nor a terminal state; it is resolved the next
// time push/finish runs.
type pendingRead struct {
	resolve func(any)
	reject  func(any)
}

// jsReadableStream is the ReadableStream global's Go-side state. It
// reifies one of three sources:
//
//   - a host-backed body (incoming != nil): pumped via
//     internal/streambridge.Source once something actually reads from
//     it, never eagerly — this is what Request.body/Response.body hand
//     back, and what bodyFromJS can steal whole via detachIncoming
//     instead of draining through JS.
//   - a buffered httpmsg.BodySource (buffered != nil): already in
//     memory, emitted as a single chunk on first read.
//   - a script-constructed source (both nil): `new
//     ReadableStream({start(controller){...}})` pushes chunks through
//     the controller start() is handed; this implementation has no
//     pull() support, so reads are served from what has been enqueued
//     and otherwise wait until the controller (in start() or in later
//     code that kept it) calls close() or error().
type jsReadableStream struct {
	rt *goja.Runtime
	e  *Environment

	incoming   *body.IncomingBody
	buffered   *httpmsg.BodySource
	sourceBody *httpmsg.BodySource // the BodySource incoming/buffered was reified from, for MarkUsed on steal

	started bool
	source  *streambridge.Source

	mu      sync.Mutex
	queue   [][]byte
	closed  bool
	err     error
	pending []pendingRead
	locked  bool
	readyCh chan struct{}
}

func newHostReadableStream(e *Environment, rt *goja.Runtime, b *httpmsg.BodySource) *jsReadableStream {
	st := &jsReadableStream{rt: rt, e: e, sourceBody: b}
	if in, ok := b.Stream(); ok {
		st.incoming = in
	} else {
		st.buffered = b
	}
	return st
}

// ensureStarted begins consuming the underlying source, exactly once.
// For a host-backed body this queues a streambridge.Source task on the
// event loop; for a buffered body it reads the already-in-memory bytes
// synchronously; for a script-constructed source it is a no-op, since
// start() already ran at construction time.
func (s *jsReadableStream) ensureStarted() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	incoming, buffered := s.incoming, s.buffered
	s.mu.Unlock()

	switch {
	case incoming != nil:
		s.source = streambridge.NewSource(s.e.Loop, incoming, s)
	case buffered != nil:
		data, err := buffered.ReadAll()
		if err != nil {
			s.Error(err)
			return
		}
		if len(data) > 0 {
			s.Enqueue(streambridge.Chunk{Data: data})
		}
		s.Close()
	}
}

// detachIncoming steals the raw host IncomingBody out of a not-yet-read
// ReadableStream, the direct-append short circuit: rather than pumping
// bytes through a streambridge.Source into JS and back out through
// another body, the same IncomingBody is handed straight to whichever
// BodySource is being built from this stream. Every body this runtime
// produces eventually flows to a host-backed sink with no JS transform
// stage in between, so sourceIsHostBody is the only variable condition.
func (s *jsReadableStream) detachIncoming() (*body.IncomingBody, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming == nil || s.started || s.locked {
		return nil, false
	}
	if !streambridge.CanShortCircuit(true, true, false) {
		return nil, false
	}
	in := s.incoming
	s.incoming = nil
	if s.sourceBody != nil {
		_ = s.sourceBody.MarkUsed()
	}
	return in, true
}

// Enqueue implements streambridge.Controller.
func (s *jsReadableStream) Enqueue(c streambridge.Chunk) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		p := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		p.resolve(s.chunkResult(c.Data, false))
		return
	}
	s.queue = append(s.queue, c.Data)
	s.signalLocked()
	s.mu.Unlock()
}

// Close implements streambridge.Controller.
func (s *jsReadableStream) Close() { s.finish(nil) }

// Error implements streambridge.Controller.
func (s *jsReadableStream) Error(err error) { s.finish(err) }

func (s *jsReadableStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	pending := s.pending
	s.pending = nil
	s.signalLocked()
	s.mu.Unlock()

	for _, p := range pending {
		if err != nil {
			p.reject(err.Error())
		} else {
			p.resolve(s.chunkResult(nil, true))
		}
	}
}

// signalLocked wakes any jsStreamInputStream blocked on readyChan; mu
// must already be held.
func (s *jsReadableStream) signalLocked() {
	if s.readyCh != nil {
		close(s.readyCh)
		s.readyCh = nil
	}
}

// readyChan returns the channel a jsStreamInputStream should wait on
// before retrying Read.
func (s *jsReadableStream) readyChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 || s.closed {
		return hostapi.Immediate().Ready()
	}
	if s.readyCh == nil {
		s.readyCh = make(chan struct{})
	}
	return s.readyCh
}

// pull services one reader.read() call: resolves immediately from the
// queue or the terminal state, otherwise registers a pending resolver.
func (s *jsReadableStream) pull(resolve, reject func(any)) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		data := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		resolve(s.chunkResult(data, false))
		return
	}
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			reject(err.Error())
		} else {
			resolve(s.chunkResult(nil, true))
		}
		return
	}
	s.pending = append(s.pending, pendingRead{resolve: resolve, reject: reject})
	s.mu.Unlock()
	s.ensureStarted()
}

func (s *jsReadableStream) chunkResult(data []byte, done bool) *goja.Object {
	obj := s.rt.NewObject()
	if data != nil {
		_ = obj.Set("value", s.rt.ToValue(s.rt.NewArrayBuffer(data)))
	} else {
		_ = obj.Set("value", goja.Undefined())
	}
	_ = obj.Set("done", done)
	return obj
}

func (s *jsReadableStream) cancel() {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	if source != nil {
		source.Cancel()
	}
	s.finish(nil)
}

// jsStreamInputStream adapts a jsReadableStream into a
// hostapi.InputStream, the path bodyFromJS falls back to when a stream
// can't be stolen whole (an already-disturbed host stream, a buffered
// body, or a script-constructed source).
type jsStreamInputStream struct {
	stream *jsReadableStream
}

func newJSStreamInputStream(stream *jsReadableStream) *jsStreamInputStream {
	out := &jsStreamInputStream{stream: stream}
	stream.ensureStarted()
	return out
}

func (s *jsStreamInputStream) Ready() <-chan struct{} { return s.stream.readyChan() }
func (s *jsStreamInputStream) Close()                 { s.stream.cancel() }

func (s *jsStreamInputStream) Read(max int) ([]byte, error) {
	st := s.stream
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.queue) > 0 {
		data := st.queue[0]
		st.queue = st.queue[1:]
		return data, nil
	}
	if st.closed {
		if st.err != nil {
			return nil, &hostapi.StreamError{Cause: st.err}
		}
		return nil, io.EOF
	}
	return nil, nil
}

// unwrapReadableStream recovers the jsReadableStream a JS ReadableStream
// value wraps, if v is one this package created.
func unwrapReadableStream(v goja.Value) (*jsReadableStream, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	st, ok := readableStreamByObject.Load(obj)
	if !ok {
		return nil, false
	}
	return st.(*jsReadableStream), true
}

// wrapReadableStream builds a fresh JS ReadableStream object over st.
func wrapReadableStream(rt *goja.Runtime, st *jsReadableStream) *goja.Object {
	obj := rt.NewObject()
	wrapReadableStreamInto(rt, obj, st)
	return obj
}

// wrapReadableStreamInto installs the locked getter, getReader(), and
// cancel() onto obj, registering it as st's JS wrapper. Used both for a
// freshly allocated wrapper object (bodyStreamValue) and for the
// ReadableStream constructor's call.This.
func wrapReadableStreamInto(rt *goja.Runtime, obj *goja.Object, st *jsReadableStream) {
	readableStreamByObject.Store(obj, st)

	_ = obj.DefineAccessorProperty("locked", rt.ToValue(func() goja.Value {
		st.mu.Lock()
		defer st.mu.Unlock()
		return rt.ToValue(st.locked)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = obj.Set("getReader", func(call goja.FunctionCall) goja.Value {
		st.mu.Lock()
		if st.locked {
			st.mu.Unlock()
			throwTypeError(rt, "ReadableStream is already locked to a reader")
		}
		st.locked = true
		st.mu.Unlock()

		reader := rt.NewObject()
		_ = reader.Set("read", func(call goja.FunctionCall) goja.Value {
			promise, resolve, reject := st.e.Runtime.NewPromise()
			st.pull(resolve, reject)
			return rt.ToValue(promise)
		})
		_ = reader.Set("cancel", func(call goja.FunctionCall) goja.Value {
			st.cancel()
			promise, resolve, _ := st.e.Runtime.NewPromise()
			resolve(goja.Undefined())
			return rt.ToValue(promise)
		})
		_ = reader.Set("releaseLock", func(call goja.FunctionCall) goja.Value {
			st.mu.Lock()
			st.locked = false
			st.mu.Unlock()
			return goja.Undefined()
		})
		return reader
	})
	_ = obj.Set("cancel", func(call goja.FunctionCall) goja.Value {
		st.cancel()
		promise, resolve, _ := st.e.Runtime.NewPromise()
		resolve(goja.Undefined())
		return rt.ToValue(promise)
	})
}

// bodyStreamValue returns the lazily-reified ReadableStream for a
// Request/Response's .body getter, or null when there is no body.
func (e *Environment) bodyStreamValue(rt *goja.Runtime, b *httpmsg.BodySource) goja.Value {
	if b == nil {
		return goja.Null()
	}
	return rt.ToValue(wrapReadableStream(rt, newHostReadableStream(e, rt, b)))
}

// jsWritableStream backs the WritableStream global with a JS-side sink
// only: write/close/abort are forwarded to the underlying-sink object a
// script passed to the constructor. internal/streambridge.Sink exists
// for piping a host OutgoingBody, but nothing in this runtime exposes a
// host-backed destination to script — every outgoing body is driven
// internally by fetchevent.writeResponse or the host HTTP client, never
// by a script holding a WritableStream handle — so there is no real
// call site to back this with Sink without inventing one; see
// DESIGN.md.
type jsWritableStream struct {
	rt       *goja.Runtime
	sink     *goja.Object
	writeFn  goja.Callable
	closeFn  goja.Callable
	abortFn  goja.Callable
	hasWrite bool
	hasClose bool
	hasAbort bool

	mu     sync.Mutex
	locked bool
}

func newWritableStream(rt *goja.Runtime, underlyingSink goja.Value) *jsWritableStream {
	w := &jsWritableStream{rt: rt}
	sink, ok := underlyingSink.(*goja.Object)
	if !ok {
		return w
	}
	w.sink = sink
	if fn, ok := goja.AssertFunction(sink.Get("write")); ok {
		w.writeFn, w.hasWrite = fn, true
	}
	if fn, ok := goja.AssertFunction(sink.Get("close")); ok {
		w.closeFn, w.hasClose = fn, true
	}
	if fn, ok := goja.AssertFunction(sink.Get("abort")); ok {
		w.abortFn, w.hasAbort = fn, true
	}
	if fn, ok := goja.AssertFunction(sink.Get("start")); ok {
		controller := rt.NewObject()
		_ = controller.Set("error", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })
		_, _ = fn(sink, controller)
	}
	return w
}

func wrapWritableStreamInto(rt *goja.Runtime, obj *goja.Object, w *jsWritableStream) {
	_ = obj.DefineAccessorProperty("locked", rt.ToValue(func() goja.Value {
		w.mu.Lock()
		defer w.mu.Unlock()
		return rt.ToValue(w.locked)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = obj.Set("getWriter", func(call goja.FunctionCall) goja.Value {
		w.mu.Lock()
		if w.locked {
			w.mu.Unlock()
			throwTypeError(rt, "WritableStream is already locked to a writer")
		}
		w.locked = true
		w.mu.Unlock()

		writer := rt.NewObject()
		_ = writer.Set("write", func(call goja.FunctionCall) goja.Value {
			promise, resolve, reject := rt.NewPromise()
			if !w.hasWrite {
				resolve(goja.Undefined())
				return rt.ToValue(promise)
			}
			if _, err := w.writeFn(w.sink, call.Argument(0)); err != nil {
				reject(fmt.Sprintf("%v", err))
			} else {
				resolve(goja.Undefined())
			}
			return rt.ToValue(promise)
		})
		_ = writer.Set("close", func(call goja.FunctionCall) goja.Value {
			promise, resolve, reject := rt.NewPromise()
			if w.hasClose {
				if _, err := w.closeFn(w.sink); err != nil {
					reject(fmt.Sprintf("%v", err))
					return rt.ToValue(promise)
				}
			}
			resolve(goja.Undefined())
			return rt.ToValue(promise)
		})
		_ = writer.Set("abort", func(call goja.FunctionCall) goja.Value {
			promise, resolve, reject := rt.NewPromise()
			if w.hasAbort {
				if _, err := w.abortFn(w.sink, call.Argument(0)); err != nil {
					reject(fmt.Sprintf("%v", err))
					return rt.ToValue(promise)
				}
			}
			resolve(goja.Undefined())
			return rt.ToValue(promise)
		})
		_ = writer.Set("releaseLock", func(call goja.FunctionCall) goja.Value {
			w.mu.Lock()
			w.locked = false
			w.mu.Unlock()
			return goja.Undefined()
		})
		return writer
	})
}

// installStreams binds the ReadableStream and WritableStream
// constructors.
func (e *Environment) installStreams(rt *goja.Runtime) {
	readableCtor := func(call goja.ConstructorCall) *goja.Object {
		st := &jsReadableStream{rt: rt, e: e}
		wrapReadableStreamInto(rt, call.This, st)

		if src, ok := call.Argument(0).(*goja.Object); ok {
			if startFn, ok := goja.AssertFunction(src.Get("start")); ok {
				controller := rt.NewObject()
				_ = controller.Set("enqueue", func(c goja.FunctionCall) goja.Value {
					st.Enqueue(streambridge.Chunk{Data: bytesFromArrayLike(c.Argument(0))})
					return goja.Undefined()
				})
				_ = controller.Set("close", func(c goja.FunctionCall) goja.Value {
					st.Close()
					return goja.Undefined()
				})
				_ = controller.Set("error", func(c goja.FunctionCall) goja.Value {
					reason := c.Argument(0)
					st.Error(fmt.Errorf("%s", reason.String()))
					return goja.Undefined()
				})
				if _, err := startFn(src, controller); err != nil {
					e.Logger.Error("uncaught exception in ReadableStream start()", "error", err)
				}
			}
		}
		return nil
	}
	_ = rt.Set("ReadableStream", rt.ToValue(readableCtor))

	writableCtor := func(call goja.ConstructorCall) *goja.Object {
		w := newWritableStream(rt, call.Argument(0))
		wrapWritableStreamInto(rt, call.This, w)
		return nil
	}
	_ = rt.Set("WritableStream", rt.ToValue(writableCtor))
}
