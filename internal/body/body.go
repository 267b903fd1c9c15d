// Package body implements IncomingBody and OutgoingBody:
// thin wrappers over a host input/output stream that the layers above
// (internal/streambridge, internal/httpmsg) adapt into WHATWG
// ReadableStream/WritableStream semantics. The `pending []byte` buffering
// shape mirrors the stream-reader pattern in
// _examples/johanbrandhorst-fetch/fetch.go and
// _examples/pic4xiu-go/src/net/http/roundtrip_js.go, adapted from a JS
// ReadableStream reader to a hostapi.InputStream.
package body

import (
	"errors"
	"sync"

	"github.com/bytecodealliance/starling-go/internal/hostapi"
	"github.com/bytecodealliance/starling-go/internal/resource"
)

// ErrLocked is returned when a second reader/writer attempts to acquire
// a body whose single reader/writer lock is already held.
var ErrLocked = errors.New("body: locked")

// ErrClosed is returned by operations on an already-closed body.
var ErrClosed = errors.New("body: closed")

// CHUNK is the read-chunk size used when pumping an IncomingBody into a
// ReadableStream controller.
const CHUNK = 16 * 1024

// IncomingBody wraps a host input stream.
type IncomingBody struct {
	res *resource.Resource

	mu     sync.Mutex
	stream hostapi.InputStream
	locked bool
	closed bool
}

// NewIncomingBody wraps stream as an IncomingBody.
func NewIncomingBody(stream hostapi.InputStream) *IncomingBody {
	b := &IncomingBody{stream: stream}
	b.res = resource.New(func() { stream.Close() })
	return b
}

// Lock acquires the body's single reader lock, matching the
// "locked on first chunk-reading read, released on cancel/close".
func (b *IncomingBody) Lock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.locked {
		return ErrLocked
	}
	b.locked = true
	return nil
}

// Unlock releases the reader lock.
func (b *IncomingBody) Unlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = false
}

// Read returns up to max bytes. A nil slice with a nil error means the
// stream would block and the caller should wait on Pollable().Ready()
// and retry; io.EOF signals end of stream.
func (b *IncomingBody) Read(max int) ([]byte, error) {
	b.mu.Lock()
	closed := b.closed
	stream := b.stream
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return stream.Read(max)
}

// Pollable returns the pollable to wait on for the next read.
func (b *IncomingBody) Pollable() hostapi.Pollable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

// Close releases the body's stream handle. Double-close is a no-op per
// the body-close invariant.
func (b *IncomingBody) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.res.Close()
}

// Valid reports whether the body has not yet been closed.
func (b *IncomingBody) Valid() bool { return b.res.Valid() }

// OutgoingBody wraps a host output stream plus a completion callback
// invoked by Close (standing in for "finalizes the parent
// OutgoingRequest/Response").
type OutgoingBody struct {
	res *resource.Resource

	mu        sync.Mutex
	stream    hostapi.OutputStream
	locked    bool
	closed    bool
	written   int64
	onClose   func(finalErr error)
	closeOnce sync.Once
}

// NewOutgoingBody wraps stream as an OutgoingBody. onClose, if non-nil,
// is invoked exactly once when the body finishes (successfully or not).
func NewOutgoingBody(stream hostapi.OutputStream, onClose func(finalErr error)) *OutgoingBody {
	b := &OutgoingBody{stream: stream, onClose: onClose}
	b.res = resource.New(func() { stream.Close() })
	return b
}

// Lock acquires the single-writer lock.
func (b *OutgoingBody) Lock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.locked {
		return ErrLocked
	}
	b.locked = true
	return nil
}

// Unlock releases the writer lock.
func (b *OutgoingBody) Unlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = false
}

// Capacity reports how many bytes can be written without blocking.
func (b *OutgoingBody) Capacity() (int, error) {
	return b.stream.CheckWrite()
}

// Write performs a best-effort write, respecting Capacity: callers must
// not pass more bytes than the last reported capacity.
func (b *OutgoingBody) Write(p []byte) (int, error) {
	n, err := b.stream.Write(p)
	b.mu.Lock()
	b.written += int64(n)
	b.mu.Unlock()
	return n, err
}

// WriteAll loops Write over capacity until all of p is written or an
// error occurs, splitting writes larger than the reported capacity.
func (b *OutgoingBody) WriteAll(p []byte) error {
	for len(p) > 0 {
		capacity, err := b.Capacity()
		if err != nil {
			return err
		}
		if capacity <= 0 {
			// Would-block: caller should requeue on the output
			// pollable; WriteAll blocks synchronously here since
			// callers that need non-blocking semantics use the
			// AsyncTask path in internal/streambridge instead.
			<-b.Pollable().Ready()
			continue
		}
		n := capacity
		if n > len(p) {
			n = len(p)
		}
		written, err := b.Write(p[:n])
		if err != nil {
			return err
		}
		p = p[written:]
	}
	return nil
}

// BytesWritten returns the running total of bytes written, checked
// against the sum of chunk sizes at close.
func (b *OutgoingBody) BytesWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Pollable returns the pollable to wait on for write readiness.
func (b *OutgoingBody) Pollable() hostapi.Pollable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

// Close performs a blocking flush and releases the stream. A flush
// failure is reported but does not abort the event loop.
func (b *OutgoingBody) Close() error {
	var flushErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		flushErr = b.stream.BlockingFlush()
		b.res.Close()
		if b.onClose != nil {
			b.onClose(flushErr)
		}
	})
	return flushErr
}

// Valid reports whether the body has not yet been closed.
func (b *OutgoingBody) Valid() bool { return b.res.Valid() }

// DiscardIncoming drains and closes an IncomingBody without exposing its
// bytes to JS, used when a Response/Request whose body was never read is
// discarded (mirrors net/http's drain-and-close hygiene, adapted to the
// host stream abstraction here instead of an io.ReadCloser).
func DiscardIncoming(b *IncomingBody, limit int64) {
	if b == nil {
		return
	}
	defer b.Close()
	var total int64
	for total < limit {
		chunk, err := b.Read(CHUNK)
		if len(chunk) > 0 {
			total += int64(len(chunk))
		}
		if err != nil {
			return
		}
		if len(chunk) == 0 {
			<-b.Pollable().Ready()
		}
	}
}
