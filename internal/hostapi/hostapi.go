// Package hostapi defines the capability interfaces the core consumes in
// place of the real WASI 0.2 ABI.
// Names and shapes mirror the WASI 0.2 HTTP proxy world — clock, random,
// http, streams, poll — so that the layers above (internal/eventloop,
// internal/body, internal/fetchapi, ...) are written against the same
// logical boundary a real wasm32-wasip2 build would use. The default
// implementation in this package backs that boundary with ordinary Go
// stdlib networking and timers instead of a component import.
package hostapi

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Pollable mirrors wasi:io/poll.pollable: a handle that becomes ready
// when its underlying resource can make progress. Ready returns the same
// channel on every call; it is closed exactly once, when the pollable
// becomes ready.
type Pollable interface {
	Ready() <-chan struct{}
	// Close releases any resources backing the pollable. Close before
	// readiness is a cancellation; it must not panic and must be
	// idempotent.
	Close()
}

// Immediate returns a Pollable that is ready from the moment it is
// created — the "ready-immediate" sentinel that forces
// poll to return without blocking.
func Immediate() Pollable {
	return immediate{}
}

type immediate struct{}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (immediate) Ready() <-chan struct{} { return closedCh }
func (immediate) Close()                 {}

// Clock mirrors wasi:clocks/monotonic-clock.
type Clock interface {
	Now() time.Time
	// Subscribe returns a Pollable that becomes ready at or after
	// deadline. A deadline in the past yields an Immediate pollable.
	Subscribe(deadline time.Time) Pollable
}

// Random mirrors wasi:random/random.
type Random interface {
	Bytes(n int) ([]byte, error)
	Uint32() (uint32, error)
}

// StreamError distinguishes a clean end-of-stream from a faulting read,
// mirroring wasi:io/streams' stream-error variant {closed, last-operation-failed}.
type StreamError struct {
	Closed bool
	Cause  error
}

func (e *StreamError) Error() string {
	if e.Closed {
		return "stream closed"
	}
	if e.Cause != nil {
		return "stream error: " + e.Cause.Error()
	}
	return "stream error"
}

// InputStream mirrors wasi:io/streams.input-stream.
type InputStream interface {
	Pollable
	// Read returns up to max bytes. An empty (possibly nil) byte slice
	// with a nil error and a still-open pollable means "would block" — the
	// caller must requeue and wait for readiness, distinct from EOF
	// (returned as io.EOF) or a fault (returned as *StreamError).
	Read(max int) ([]byte, error)
}

// OutputStream mirrors wasi:io/streams.output-stream. Close is
// inherited from Pollable: a close failure has nowhere useful to
// propagate to once the writer has already moved on, so it is reported
// (if at all) through the Releaser that owns the stream rather than a
// return value here.
type OutputStream interface {
	Pollable
	// CheckWrite reports how many bytes can be written without
	// blocking.
	CheckWrite() (int, error)
	// Write writes up to CheckWrite() bytes; callers must not exceed
	// the last reported capacity in one call.
	Write(p []byte) (int, error)
	// BlockingFlush flushes buffered data, blocking until complete.
	BlockingFlush() error
}

// HTTPRequestSpec is the data needed to open a host outgoing-request,
// mirroring wasi:http/types.outgoing-request's constructor fields.
type HTTPRequestSpec struct {
	Method  string
	URL     *url.URL
	Header  http.Header
	Body    InputStream // nil for bodyless requests
	Context context.Context
}

// HTTPResponseResult is what a ResponseFuture resolves to.
type HTTPResponseResult struct {
	Status int
	Header http.Header
	Body   InputStream
}

// ResponseFuture mirrors wasi:http/types.future-incoming-response: a
// Pollable that becomes ready once the response (or an error) is
// available.
type ResponseFuture interface {
	Pollable
	// Result returns the outcome once Ready()'s channel is closed;
	// calling it before then is a programming error.
	Result() (*HTTPResponseResult, error)
}

// HTTPClient mirrors wasi:http/outgoing-handler.
type HTTPClient interface {
	Send(spec HTTPRequestSpec) ResponseFuture
}

// Poller mirrors wasi:io/poll.poll: given a set of pollables, block until
// at least one is ready and return the indices that are.
type Poller interface {
	Poll(pollables []Pollable) []int
}

// Host bundles the capabilities the core needs, mirroring the set of
// worlds a WASI 0.2 HTTP proxy component imports.
type Host struct {
	Clock      Clock
	Random     Random
	HTTPClient HTTPClient
	Poller     Poller
}
