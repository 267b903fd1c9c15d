// Package fetchevent implements FetchEvent: the
// respondWith/waitUntil state machine dispatched once per incoming
// request, coupled to the outgoing-response write path (buffered or, via
// internal/streambridge, direct-appended for constant memory use).
package fetchevent

import (
	"errors"
	"fmt"

	"github.com/bytecodealliance/starling-go/internal/body"
	"github.com/bytecodealliance/starling-go/internal/eventloop"
	"github.com/bytecodealliance/starling-go/internal/headers"
	"github.com/bytecodealliance/starling-go/internal/httpmsg"
	"github.com/bytecodealliance/starling-go/internal/streambridge"
)

// State is the FetchEvent's response-handling state.
type State int

const (
	Unhandled State = iota
	WaitToRespond
	ResponseStreaming
	ResponseDone
	RespondedWithError
)

// ErrInvalidState is returned when respondWith is called outside
// dispatch or more than once.
var ErrInvalidState = errors.New("fetchevent: invalid state")

// Awaitable is the minimal "thenable" shape respondWith/waitUntil accept,
// decoupling this package from the concrete promise implementation in
// internal/vm: OnSettle registers resolve/reject callbacks, exactly one
// of which fires exactly once.
type Awaitable interface {
	OnSettle(resolve func(value any), reject func(err error))
}

// ResponseWriter opens the host's outgoing response for this request and
// returns a body sink to write into. A nil body sink (with nil error)
// means the status requires no body.
type ResponseWriter interface {
	Start(status int, h *headers.Headers) (*body.OutgoingBody, error)
}

// FetchEvent is dispatched once per incoming request.
type FetchEvent struct {
	loop   *eventloop.Loop
	writer ResponseWriter
	Request *httpmsg.Request

	state       State
	dispatching bool
	responded   bool
}

// New constructs a FetchEvent bound to loop and writer for the given
// incoming request.
func New(loop *eventloop.Loop, writer ResponseWriter, req *httpmsg.Request) *FetchEvent {
	return &FetchEvent{loop: loop, writer: writer, Request: req}
}

// State returns the event's current response-handling state.
func (e *FetchEvent) State() State { return e.state }

// BeginDispatch marks the event as currently dispatching, allowed to call
// respondWith/waitUntil.
func (e *FetchEvent) BeginDispatch() { e.dispatching = true }

// EndDispatch clears the dispatch flag. If no handler ever called
// respondWith, it sends the default "no handler registered" 500.
func (e *FetchEvent) EndDispatch() {
	e.dispatching = false
	if e.state == Unhandled {
		e.sendPlainText(500, "no handler registered")
		e.state = RespondedWithError
	}
}

// RespondWith implements the respondWith(value) algorithm. value is
// either an already-settled *httpmsg.Response or something implementing
// Awaitable; respondWith "coerces it to a promise" by treating a plain
// Response as an immediately-resolved one.
func (e *FetchEvent) RespondWith(value any) error {
	if !e.dispatching {
		return fmt.Errorf("%w: respondWith called outside dispatch", ErrInvalidState)
	}
	if e.responded {
		return fmt.Errorf("%w: respondWith already called", ErrInvalidState)
	}
	e.responded = true
	e.state = WaitToRespond
	e.loop.IncrInterest()

	switch v := value.(type) {
	case *httpmsg.Response:
		e.settle(v, nil)
	case Awaitable:
		v.OnSettle(
			func(resolved any) {
				resp, ok := resolved.(*httpmsg.Response)
				if !ok {
					e.settle(nil, fmt.Errorf("respondWith resolved to a non-Response value"))
					return
				}
				e.settle(resp, nil)
			},
			func(err error) { e.settle(nil, err) },
		)
	default:
		e.settle(nil, fmt.Errorf("respondWith value is neither a Response nor thenable"))
	}
	return nil
}

// settle runs exactly once per RespondWith call, on resolution or
// rejection, and always balances the interest RespondWith incremented.
func (e *FetchEvent) settle(resp *httpmsg.Response, err error) {
	defer e.loop.DecrInterest()
	if err != nil {
		e.sendErrorResponse(err.Error())
		return
	}
	e.writeResponse(resp)
}

// WaitUntil implements waitUntil(promise): extends the event's lifetime
// until aw settles, logging (not surfacing) a rejection.
func (e *FetchEvent) WaitUntil(aw Awaitable) {
	e.loop.IncrInterest()
	aw.OnSettle(
		func(any) { e.loop.DecrInterest() },
		func(err error) {
			e.loop.ReportWaitUntilRejected(err.Error())
			e.loop.DecrInterest()
		},
	)
}

// writeResponse performs the "open an OutgoingResponse... write the
// body" steps: status sanitized to 200 if unset, headers cloned, and
// either a direct-append streaming send or a buffered write depending on
// whether resp's body is host-backed.
func (e *FetchEvent) writeResponse(resp *httpmsg.Response) {
	status := resp.Status
	if status == 0 {
		status = 200
	}

	var h *headers.Headers
	if resp.Headers != nil {
		h = resp.Headers.Clone(headers.GuardResponse)
	} else {
		h = headers.New(headers.GuardResponse)
	}

	out, err := e.writer.Start(status, h)
	if err != nil {
		e.state = RespondedWithError
		return
	}
	if out == nil {
		e.state = ResponseDone
		return
	}

	if in, ok := resp.Body.Stream(); ok {
		e.state = ResponseStreaming
		streambridge.NewAppendTask(e.loop, in, out, func(error) {
			out.Close()
			e.state = ResponseDone
		})
		return
	}

	raw, err := resp.Body.ReadAll()
	if err != nil {
		out.Close()
		e.state = RespondedWithError
		return
	}
	if writeErr := out.WriteAll(raw); writeErr != nil {
		out.Close()
		e.state = RespondedWithError
		return
	}
	out.Close()
	e.state = ResponseDone
}

// sendErrorResponse writes a 500 whose body text is derived from the
// rejection reason.
func (e *FetchEvent) sendErrorResponse(reason string) {
	e.sendPlainText(500, "respondWith error: "+reason)
	e.state = RespondedWithError
}

// sendPlainText writes a minimal text/plain response directly through
// the writer, used for the two fallback 500 paths (no handler
// registered, respondWith rejection) that bypass the normal
// RespondWith/settle bookkeeping.
func (e *FetchEvent) sendPlainText(status int, text string) {
	h := headers.New(headers.GuardResponse)
	h.Append("Content-Type", "text/plain")
	b := httpmsg.NewBufferedBody([]byte(text))
	resp, err := httpmsg.NewResponse(status, h, b)
	if err != nil {
		return
	}
	e.writeResponse(resp)
}
