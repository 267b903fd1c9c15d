package fetchevent

import (
	"errors"
	"io"
	"testing"

	"github.com/bytecodealliance/starling-go/internal/body"
	"github.com/bytecodealliance/starling-go/internal/diagnostics"
	"github.com/bytecodealliance/starling-go/internal/eventloop"
	"github.com/bytecodealliance/starling-go/internal/headers"
	"github.com/bytecodealliance/starling-go/internal/hostapi"
	"github.com/bytecodealliance/starling-go/internal/httpmsg"
)

type noopDrainer struct{}

func (noopDrainer) DrainMicrotasks() error { return nil }

type fakePoller struct{}

func (fakePoller) Poll(pollables []hostapi.Pollable) []int {
	out := make([]int, len(pollables))
	for i := range pollables {
		out[i] = i
	}
	return out
}

func newTestLoop() *eventloop.Loop {
	return eventloop.New(fakePoller{}, noopDrainer{}, eventloop.WithDiagnostics(nil))
}

// unlimitedOutputStream has no capacity cap, for buffered-body tests.
type unlimitedOutputStream struct {
	written []byte
	closed  bool
	flushed bool
}

func (s *unlimitedOutputStream) Ready() <-chan struct{}   { return hostapi.Immediate().Ready() }
func (s *unlimitedOutputStream) Close()                   {}
func (s *unlimitedOutputStream) CheckWrite() (int, error) { return 1 << 20, nil }
func (s *unlimitedOutputStream) Write(p []byte) (int, error) {
	s.written = append(s.written, p...)
	return len(p), nil
}
func (s *unlimitedOutputStream) BlockingFlush() error { s.flushed = true; return nil }

type streamCloser struct{ *unlimitedOutputStream }

func (streamCloser) Close() {}

// recordingWriter is a ResponseWriter that records the status/headers it
// was started with and hands back an in-memory body.
type recordingWriter struct {
	status  int
	headers *headers.Headers
	stream  *unlimitedOutputStream
	nullBody bool
}

func (w *recordingWriter) Start(status int, h *headers.Headers) (*body.OutgoingBody, error) {
	w.status = status
	w.headers = h
	if w.nullBody {
		return nil, nil
	}
	w.stream = &unlimitedOutputStream{}
	return body.NewOutgoingBody(streamCloser{w.stream}, nil), nil
}

type settledAwaitable struct {
	value any
	err   error
}

func (a settledAwaitable) OnSettle(resolve func(any), reject func(err error)) {
	if a.err != nil {
		reject(a.err)
		return
	}
	resolve(a.value)
}

func newTestRequest() *httpmsg.Request {
	return &httpmsg.Request{Method: "GET", Headers: headers.New(headers.GuardRequest)}
}

func TestRespondWithOutsideDispatchIsInvalidState(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	resp, _ := httpmsg.NewResponse(200, nil, nil)
	if err := e.RespondWith(resp); !errors.Is(err, ErrInvalidState) {
		t.Errorf("RespondWith outside dispatch = %v, want ErrInvalidState", err)
	}
}

func TestRespondWithCalledTwiceIsInvalidState(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	e.BeginDispatch()
	resp, _ := httpmsg.NewResponse(200, nil, nil)
	if err := e.RespondWith(resp); err != nil {
		t.Fatal(err)
	}
	if err := e.RespondWith(resp); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second RespondWith = %v, want ErrInvalidState", err)
	}
}

func TestRespondWithBufferedResponseWritesBodyAndCompletes(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	e.BeginDispatch()

	h := headers.New(headers.GuardResponse)
	h.Append("Content-Type", "text/plain")
	resp, _ := httpmsg.NewResponse(201, h, httpmsg.NewBufferedBody([]byte("hello")))
	if err := e.RespondWith(resp); err != nil {
		t.Fatal(err)
	}

	if w.status != 201 {
		t.Errorf("status = %d, want 201", w.status)
	}
	if string(w.stream.written) != "hello" {
		t.Errorf("body written = %q, want %q", w.stream.written, "hello")
	}
	if e.State() != ResponseDone {
		t.Errorf("State() = %v, want ResponseDone", e.State())
	}
}

func TestRespondWithZeroStatusSanitizesTo200(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	e.BeginDispatch()
	resp := &httpmsg.Response{Status: 0, Body: httpmsg.NewBufferedBody(nil)}
	if err := e.RespondWith(resp); err != nil {
		t.Fatal(err)
	}
	if w.status != 200 {
		t.Errorf("status = %d, want 200", w.status)
	}
}

func TestRespondWithAwaitableRejectionSends500(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	e.BeginDispatch()

	aw := settledAwaitable{err: errors.New("boom")}
	if err := e.RespondWith(aw); err != nil {
		t.Fatal(err)
	}
	if w.status != 500 {
		t.Errorf("status = %d, want 500", w.status)
	}
	if e.State() != RespondedWithError {
		t.Errorf("State() = %v, want RespondedWithError", e.State())
	}
}

func TestRespondWithNonResponseResolutionSends500(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	e.BeginDispatch()

	aw := settledAwaitable{value: "not a response"}
	if err := e.RespondWith(aw); err != nil {
		t.Fatal(err)
	}
	if w.status != 500 {
		t.Errorf("status = %d, want 500", w.status)
	}
}

// no-handler-registered default.
func TestEndDispatchWithoutRespondWithSendsDefault500(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	e.BeginDispatch()
	e.EndDispatch()

	if w.status != 500 {
		t.Errorf("status = %d, want 500", w.status)
	}
	if string(w.stream.written) != "no handler registered" {
		t.Errorf("body = %q, want %q", w.stream.written, "no handler registered")
	}
}

func TestEndDispatchAfterRespondWithDoesNothing(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	e.BeginDispatch()
	resp, _ := httpmsg.NewResponse(204, nil, nil)
	_ = e.RespondWith(resp)
	w.status = -1 // sentinel: EndDispatch must not write again
	e.EndDispatch()
	if w.status != -1 {
		t.Errorf("EndDispatch wrote a response even though respondWith already settled, status = %d", w.status)
	}
}

type fakeInputStream struct {
	chunks [][]byte
	idx    int
}

func (s *fakeInputStream) Ready() <-chan struct{} { return hostapi.Immediate().Ready() }
func (s *fakeInputStream) Close()                 {}
func (s *fakeInputStream) Read(max int) ([]byte, error) {
	if s.idx >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}

// streaming bodies take the direct-append path through streambridge and
// complete asynchronously via the event loop rather than inline.
func TestRespondWithStreamedBodyUsesDirectAppendAndCompletes(t *testing.T) {
	loop := newTestLoop()
	w := &recordingWriter{}
	e := New(loop, w, newTestRequest())
	e.BeginDispatch()

	in := body.NewIncomingBody(&fakeInputStream{chunks: [][]byte{{1, 2, 3}, {4, 5}}})
	resp, _ := httpmsg.NewResponse(200, nil, httpmsg.NewStreamedBody(in))
	if err := e.RespondWith(resp); err != nil {
		t.Fatal(err)
	}
	if e.State() != ResponseStreaming {
		t.Fatalf("State() right after RespondWith = %v, want ResponseStreaming", e.State())
	}

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if e.State() != ResponseDone {
		t.Errorf("State() after loop.Run() = %v, want ResponseDone", e.State())
	}
	want := []byte{1, 2, 3, 4, 5}
	if string(w.stream.written) != string(want) {
		t.Errorf("streamed body = %v, want %v", w.stream.written, want)
	}
}

// S4: waitUntil extends the event's lifetime; rejection is logged, not
// surfaced to the response.
func TestWaitUntilExtendsInterestAndLogsRejection(t *testing.T) {
	bus := diagnostics.New()
	records := bus.Subscribe(8)
	loop := eventloop.New(fakePoller{}, noopDrainer{}, eventloop.WithDiagnostics(bus))
	aw := settledAwaitable{err: errors.New("late failure")}

	e := New(loop, &recordingWriter{}, newTestRequest())
	e.BeginDispatch()
	resp, _ := httpmsg.NewResponse(200, nil, nil)
	_ = e.RespondWith(resp)

	e.WaitUntil(aw)
	// settledAwaitable settles synchronously, so interest should already
	// be balanced back to zero; Run() must not report a stall.
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-records:
		if r.Kind != diagnostics.KindWaitUntilRejected {
			t.Errorf("diagnostic kind = %q, want %q", r.Kind, diagnostics.KindWaitUntilRejected)
		}
	default:
		t.Error("waitUntil rejection was not reported on the diagnostics bus")
	}
}
