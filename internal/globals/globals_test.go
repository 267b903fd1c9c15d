package globals

import (
	"io"
	"net/url"
	"testing"

	"github.com/dop251/goja"

	"github.com/bytecodealliance/starling-go/internal/blobstore"
	"github.com/bytecodealliance/starling-go/internal/body"
	"github.com/bytecodealliance/starling-go/internal/egress"
	"github.com/bytecodealliance/starling-go/internal/eventloop"
	"github.com/bytecodealliance/starling-go/internal/fetchapi"
	"github.com/bytecodealliance/starling-go/internal/fetchevent"
	"github.com/bytecodealliance/starling-go/internal/headers"
	"github.com/bytecodealliance/starling-go/internal/hostapi"
	"github.com/bytecodealliance/starling-go/internal/httpmsg"
	"github.com/bytecodealliance/starling-go/internal/vm"
)

// fakePoller marks every pollable ready immediately, the same shape
// internal/fetchevent's test harness uses to drive a Loop synchronously.
type fakePoller struct{}

func (fakePoller) Poll(pollables []hostapi.Pollable) []int {
	out := make([]int, len(pollables))
	for i := range pollables {
		out[i] = i
	}
	return out
}

// staticInputStream adapts an in-memory []byte into a hostapi.InputStream,
// standing in for a host-delivered request body.
type staticInputStream struct {
	data []byte
	pos  int
}

func (s *staticInputStream) Ready() <-chan struct{} { return hostapi.Immediate().Ready() }
func (s *staticInputStream) Close()                 {}
func (s *staticInputStream) Read(max int) ([]byte, error) {
	if s.pos >= len(s.data) {
		return nil, io.EOF
	}
	end := s.pos + max
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.pos:end]
	s.pos = end
	return chunk, nil
}

// unlimitedOutputStream has no capacity cap, for direct-append tests.
type unlimitedOutputStream struct {
	written []byte
}

func (s *unlimitedOutputStream) Ready() <-chan struct{}   { return hostapi.Immediate().Ready() }
func (s *unlimitedOutputStream) Close()                   {}
func (s *unlimitedOutputStream) CheckWrite() (int, error) { return 1 << 20, nil }
func (s *unlimitedOutputStream) Write(p []byte) (int, error) {
	s.written = append(s.written, p...)
	return len(p), nil
}
func (s *unlimitedOutputStream) BlockingFlush() error { return nil }

type streamCloser struct{ *unlimitedOutputStream }

func (streamCloser) Close() {}

// recordingWriter is a fetchevent.ResponseWriter that records the
// status/headers it was started with and hands back an in-memory sink.
type recordingWriter struct {
	status  int
	headers *headers.Headers
	stream  *unlimitedOutputStream
}

func (w *recordingWriter) Start(status int, h *headers.Headers) (*body.OutgoingBody, error) {
	w.status = status
	w.headers = h
	w.stream = &unlimitedOutputStream{}
	return body.NewOutgoingBody(streamCloser{w.stream}, nil), nil
}

// newTestEnvironment builds a fully installed Environment over a fresh
// goja runtime and a Loop driven by fakePoller, with egress wide open and
// no outbound HTTP client wired (no test here dispatches fetch()).
func newTestEnvironment(t *testing.T) (*Environment, *goja.Runtime, *eventloop.Loop) {
	t.Helper()
	rt := vm.New()
	loop := eventloop.New(fakePoller{}, rt, eventloop.WithDiagnostics(nil))
	host := hostapi.Host{}
	blobs := blobstore.New(nil)
	policy := egress.AllowAll()
	dispatcher := fetchapi.New(host, loop, blobs, policy)
	env := New(loop, rt, host, dispatcher, blobs, policy, nil)
	env.Install()
	return env, rt.Goja(), loop
}

// TestFetchEventEchoesBodyViaDirectAppend drives the flagship echo
// scenario end to end: a handler that responds with the incoming
// request's own body and headers must stream the exact request bytes
// back out, which only happens if .body reifies a ReadableStream over
// the live host stream and detachIncoming's short circuit fires instead
// of draining the body through JS.
func TestFetchEventEchoesBodyViaDirectAppend(t *testing.T) {
	env, rt, loop := newTestEnvironment(t)

	script := `
		self.addEventListener("fetch", function(event) {
			event.respondWith(new Response(event.request.body, { headers: event.request.headers }));
		});
	`
	if _, err := rt.RunScript("setup.js", script); err != nil {
		t.Fatalf("setup script: %v", err)
	}

	payload := []byte("hello from the direct-append path")
	reqHeaders := headers.New(headers.GuardRequest)
	_ = reqHeaders.Append("X-Test", "yes")
	parsedURL, _ := url.Parse("https://example.invalid/echo")
	req := &httpmsg.Request{
		Method:  "POST",
		URL:     parsedURL,
		Headers: reqHeaders,
		Body:    httpmsg.NewStreamedBody(body.NewIncomingBody(&staticInputStream{data: payload})),
	}

	writer := &recordingWriter{}
	fe := fetchevent.New(loop, writer, req)
	env.DispatchFetch(fe)

	if err := loop.Run(); err != nil {
		t.Fatalf("loop.Run: %v", err)
	}

	if fe.State() != fetchevent.ResponseDone {
		t.Fatalf("FetchEvent state = %v, want ResponseDone", fe.State())
	}
	if writer.status != 200 {
		t.Fatalf("status = %d, want 200", writer.status)
	}
	if string(writer.stream.written) != string(payload) {
		t.Fatalf("echoed body = %q, want %q", writer.stream.written, payload)
	}
	if got, _ := writer.headers.Get("X-Test"); got != "yes" {
		t.Fatalf("echoed X-Test header = %q, want %q", got, "yes")
	}
	if !req.Body.Used() {
		t.Fatal("request body should be marked used once its stream was stolen for the response")
	}
}

// TestHeadersEntriesPreservesCasingAndOrder exercises Headers iteration
// the only way the JS wrapper supports it (no Symbol.iterator/spread):
// entries() must report original-cased values, lowercased names, stable
// insertion order, and multi-valued headers joined with ", ".
func TestHeadersEntriesPreservesCasingAndOrder(t *testing.T) {
	_, rt, _ := newTestEnvironment(t)

	script := `
		var h = new Headers();
		h.append("Content-Type", "text/plain");
		h.append("X-Multi", "one");
		h.append("X-Multi", "two");
		var out = [];
		h.entries().forEach(function(pair) { out.push(pair[0] + "=" + pair[1]); });
		out.join("|");
	`
	result, err := rt.RunScript("headers.js", script)
	if err != nil {
		t.Fatalf("script: %v", err)
	}

	want := "content-type=text/plain|x-multi=one, two"
	if got := result.String(); got != want {
		t.Fatalf("entries() = %q, want %q", got, want)
	}
}
