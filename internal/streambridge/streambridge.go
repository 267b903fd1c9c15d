// Package streambridge adapts a body.IncomingBody/OutgoingBody into the
// WHATWG ReadableStream/WritableStream shape goja scripts observe
//, and implements the direct
// body-append fast path: piping one host body into
// another without ever materializing chunks as goja values.
package streambridge

import (
	"errors"
	"io"
	"time"

	"github.com/bytecodealliance/starling-go/internal/body"
	"github.com/bytecodealliance/starling-go/internal/eventloop"
	"github.com/bytecodealliance/starling-go/internal/hostapi"
)

// Chunk is a piece of stream data handed to a ReadableStream controller.
// JS-facing code (internal/globals) hands Chunk.Data to script as an
// ArrayBuffer.
type Chunk struct {
	Data []byte
	Done bool
	Err  error
}

// Controller receives chunks produced by a Source. internal/globals
// implements this over a goja-backed ReadableStream controller; tests
// can implement it directly.
type Controller interface {
	Enqueue(Chunk)
	Close()
	Error(error)
}

// Source pumps an IncomingBody into a Controller as a BodyFutureTask.
type Source struct {
	loop       *eventloop.Loop
	b          *body.IncomingBody
	controller Controller
	handle     any
	cancelled  bool
}

// NewSource creates and queues a Source task on loop, reading from b and
// pushing chunks into controller until EOF or error.
func NewSource(loop *eventloop.Loop, b *body.IncomingBody, controller Controller) *Source {
	s := &Source{loop: loop, b: b, controller: controller}
	loop.IncrInterest()
	s.handle = loop.Queue(s)
	return s
}

func (s *Source) Pollable() hostapi.Pollable { return s.b.Pollable() }
func (s *Source) Deadline() time.Time        { return time.Time{} }

// Run reads one chunk and enqueues it, matching the
// BodyFutureTask: "on run calls read(CHUNK), enqueues ... into the
// ReadableStream controller, and re-queues itself".
func (s *Source) Run() bool {
	chunk, err := s.b.Read(body.CHUNK)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.controller.Close()
		} else {
			s.controller.Error(err)
		}
		return false
	}
	if len(chunk) == 0 {
		// Would-block: stay queued, wait for the next poll.
		return true
	}
	s.controller.Enqueue(Chunk{Data: chunk})
	return true
}

func (s *Source) Cancel() {
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.loop.DecrInterest()
}

// Sink pumps Chunks written by JS into an OutgoingBody, honoring
// capacity.
type Sink struct {
	b *body.OutgoingBody
}

// NewSink wraps b for use as a WritableStream sink.
func NewSink(b *body.OutgoingBody) *Sink { return &Sink{b: b} }

// Write is called by the JS-facing WritableStream's write() algorithm.
// It blocks the calling (event-loop) goroutine only as long as
// OutgoingBody.WriteAll does — i.e. only across synchronous capacity
// checks, never across a host round trip that could reenter JS.
func (s *Sink) Write(p []byte) error { return s.b.WriteAll(p) }

// Close finalizes the sink's body.
func (s *Sink) Close() error { return s.b.Close() }

// AppendState is the direct-append fast path's state machine.
type AppendState int

const (
	BlockedOnBoth AppendState = iota
	BlockedOnIncoming
	BlockedOnOutgoing
	Ready
	Done
)

// AppendTask pipes an IncomingBody directly into an OutgoingBody without
// materializing chunks in JS — the bridge's critical invariant.
type AppendTask struct {
	loop     *eventloop.Loop
	in       *body.IncomingBody
	out      *body.OutgoingBody
	state    AppendState
	onDone   func(error)
	buf      []byte
	lastErr  error
	finished bool
}

// NewAppendTask constructs and queues a direct-append task, incrementing
// loop interest until it reaches Done.
func NewAppendTask(loop *eventloop.Loop, in *body.IncomingBody, out *body.OutgoingBody, onDone func(error)) *AppendTask {
	t := &AppendTask{loop: loop, in: in, out: out, state: BlockedOnBoth, onDone: onDone}
	loop.IncrInterest()
	loop.Queue(t)
	return t
}

// Pollable returns the pollable appropriate for the current state: both
// incoming and outgoing are raced by being polled on separate queue
// entries in the real event loop; here a single task simplifies this by
// waiting on whichever side is currently blocking, recomputed each poll.
func (t *AppendTask) Pollable() hostapi.Pollable {
	switch t.state {
	case BlockedOnIncoming:
		return t.in.Pollable()
	case BlockedOnOutgoing:
		return t.out.Pollable()
	default:
		return hostapi.Immediate()
	}
}

func (t *AppendTask) Deadline() time.Time { return time.Time{} }

// Run advances the append state machine by one step, per the table in
// the direct-append fast path.
func (t *AppendTask) Run() bool {
	switch t.state {
	case BlockedOnBoth:
		t.state = BlockedOnIncoming
		return true
	case BlockedOnIncoming:
		chunk, err := t.in.Read(body.CHUNK)
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.state = Done
				return t.finish(nil)
			}
			t.state = Done
			return t.finish(err)
		}
		if len(chunk) == 0 {
			return true // still would-block
		}
		t.buf = chunk
		t.state = BlockedOnOutgoing
		return true
	case BlockedOnOutgoing:
		capacity, err := t.out.Capacity()
		if err != nil {
			t.state = Done
			return t.finish(err)
		}
		if capacity <= 0 {
			return true
		}
		t.state = Ready
		return true
	case Ready:
		n := len(t.buf)
		if capacity, err := t.out.Capacity(); err == nil && capacity < n {
			n = capacity
		}
		if n > 0 {
			written, err := t.out.Write(t.buf[:n])
			if err != nil {
				t.state = Done
				return t.finish(err)
			}
			t.buf = t.buf[written:]
		}
		if len(t.buf) > 0 {
			t.state = BlockedOnOutgoing
			return true
		}
		t.state = BlockedOnIncoming
		return true
	default:
		return false
	}
}

func (t *AppendTask) finish(err error) bool {
	if t.finished {
		return false
	}
	t.finished = true
	t.lastErr = err
	if t.onDone != nil {
		t.onDone(err)
	}
	return false
}

func (t *AppendTask) Cancel() {
	t.loop.DecrInterest()
}

// CanShortCircuit reports whether a ReadableStream whose source is sourceBody
// piping into a WritableStream whose sink is sinkBody can bypass JS
// entirely via AppendTask, per the short-circuit predicate: both
// ends must be host-backed bodies with no intervening JS transform.
func CanShortCircuit(sourceIsHostBody, sinkIsHostBody, hasJSTransform bool) bool {
	return sourceIsHostBody && sinkIsHostBody && !hasJSTransform
}
