package fetchapi

import (
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/bytecodealliance/starling-go/internal/abort"
	"github.com/bytecodealliance/starling-go/internal/blobstore"
	"github.com/bytecodealliance/starling-go/internal/egress"
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

type sequentialRandom struct{ next byte }

func (r *sequentialRandom) Bytes(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = r.next
		r.next++
	}
	return out, nil
}
func (r *sequentialRandom) Uint32() (uint32, error) { return 0, nil }

func newTestLoop() *eventloop.Loop {
	return eventloop.New(fakePoller{}, noopDrainer{})
}

func newTestRequest(t *testing.T, rawURL, method string) *httpmsg.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &httpmsg.Request{Method: method, URL: u, Headers: headers.New(headers.GuardRequest)}
}

func TestUnsupportedSchemeIsNetworkError(t *testing.T) {
	loop := newTestLoop()
	d := New(hostapi.Host{}, loop, blobstore.New(&sequentialRandom{}), egress.AllowAll())
	req := newTestRequest(t, "ftp://example.com/file", http.MethodGet)

	var gotErr error
	d.Fetch(req, nil, func(*httpmsg.Response) { t.Fatal("onResolve called for unsupported scheme") }, func(err error) { gotErr = err })

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(gotErr, ErrNetworkError) {
		t.Errorf("err = %v, want ErrNetworkError", gotErr)
	}
}

func TestBlobFetchRejectsNonGET(t *testing.T) {
	loop := newTestLoop()
	store := blobstore.New(&sequentialRandom{})
	d := New(hostapi.Host{}, loop, store, egress.AllowAll())
	u, _ := store.CreateObjectURL(blobstore.Blob{Bytes: []byte("hello"), Type: "text/plain"})
	req := newTestRequest(t, u, http.MethodPost)

	var gotErr error
	d.Fetch(req, nil, func(*httpmsg.Response) { t.Fatal("onResolve called for POST blob fetch") }, func(err error) { gotErr = err })
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(gotErr, ErrNetworkError) {
		t.Errorf("err = %v, want ErrNetworkError", gotErr)
	}
}

func TestBlobFetchUnknownURLIsNetworkError(t *testing.T) {
	loop := newTestLoop()
	store := blobstore.New(&sequentialRandom{})
	d := New(hostapi.Host{}, loop, store, egress.AllowAll())
	req := newTestRequest(t, "blob:https://starling.invalid/missing", http.MethodGet)

	var gotErr error
	d.Fetch(req, nil, func(*httpmsg.Response) { t.Fatal("onResolve called for unknown blob") }, func(err error) { gotErr = err })
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(gotErr, ErrNetworkError) {
		t.Errorf("err = %v, want ErrNetworkError", gotErr)
	}
}

// S2: Blob URL fetch with range.
func TestBlobFetchWithRangeRespondsPartialContent(t *testing.T) {
	loop := newTestLoop()
	store := blobstore.New(&sequentialRandom{})
	d := New(hostapi.Host{}, loop, store, egress.AllowAll())
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	u, _ := store.CreateObjectURL(blobstore.Blob{Bytes: data, Type: "application/octet-stream"})
	req := newTestRequest(t, u, http.MethodGet)
	req.Headers.Set("Range", "bytes=2-5")

	var got *httpmsg.Response
	d.Fetch(req, nil, func(r *httpmsg.Response) { got = r }, func(err error) { t.Fatalf("unexpected reject: %v", err) })
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("response was never resolved")
	}
	if got.Status != http.StatusPartialContent {
		t.Errorf("Status = %d, want 206", got.Status)
	}
	raw, err := got.Body.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{2, 3, 4, 5}
	if string(raw) != string(want) {
		t.Errorf("body = %v, want %v", raw, want)
	}
	cr, _ := got.Headers.Get("content-range")
	if cr != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q, want %q", cr, "bytes 2-5/10")
	}
}

func TestBlobFetchZeroByteRangeIsNetworkError(t *testing.T) {
	loop := newTestLoop()
	store := blobstore.New(&sequentialRandom{})
	d := New(hostapi.Host{}, loop, store, egress.AllowAll())
	u, _ := store.CreateObjectURL(blobstore.Blob{Bytes: nil})
	req := newTestRequest(t, u, http.MethodGet)
	req.Headers.Set("Range", "bytes=0-0")

	var gotErr error
	d.Fetch(req, nil, func(*httpmsg.Response) { t.Fatal("onResolve called for out-of-range request") }, func(err error) { gotErr = err })
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(gotErr, ErrNetworkError) {
		t.Errorf("err = %v, want ErrNetworkError", gotErr)
	}
}

func TestEgressDeniedHostIsNetworkError(t *testing.T) {
	loop := newTestLoop()
	policy, err := egress.NewPolicy([]string{"allowed.example"})
	if err != nil {
		t.Fatal(err)
	}
	d := New(hostapi.Host{}, loop, blobstore.New(&sequentialRandom{}), policy)
	req := newTestRequest(t, "http://denied.example/path", http.MethodGet)

	var gotErr error
	d.Fetch(req, nil, func(*httpmsg.Response) { t.Fatal("onResolve called for a denied host") }, func(err error) { gotErr = err })
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(gotErr, ErrNetworkError) {
		t.Errorf("err = %v, want ErrNetworkError", gotErr)
	}
}

// S3: an already-aborted signal short-circuits before a host request is
// ever sent.
func TestAlreadyAbortedSignalSkipsHostSend(t *testing.T) {
	loop := newTestLoop()
	sig := abort.AlreadyAborted(nil)
	sendCalled := false
	host := hostapi.Host{HTTPClient: fakeHTTPClientFunc(func(hostapi.HTTPRequestSpec) hostapi.ResponseFuture {
		sendCalled = true
		return nil
	})}
	d := New(host, loop, blobstore.New(&sequentialRandom{}), egress.AllowAll())
	req := newTestRequest(t, "http://allowed.example/path", http.MethodGet)

	var gotErr error
	d.Fetch(req, sig, func(*httpmsg.Response) { t.Fatal("onResolve called for an aborted fetch") }, func(err error) { gotErr = err })
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if sendCalled {
		t.Error("HTTPClient.Send should not be called for an already-aborted signal")
	}
	if gotErr == nil {
		t.Fatal("expected a rejection")
	}
}

func TestAbortDuringFlightRejectsAndClosesFuture(t *testing.T) {
	loop := newTestLoop()
	ctrl := abort.NewController()
	future := newFakeFuture()
	host := hostapi.Host{HTTPClient: fakeHTTPClientFunc(func(hostapi.HTTPRequestSpec) hostapi.ResponseFuture { return future })}
	d := New(hostapi.Host{HTTPClient: host.HTTPClient}, loop, blobstore.New(&sequentialRandom{}), egress.AllowAll())
	req := newTestRequest(t, "http://allowed.example/slow", http.MethodGet)

	var gotErr error
	d.Fetch(req, ctrl.Signal, func(*httpmsg.Response) { t.Fatal("onResolve called after abort") }, func(err error) { gotErr = err })
	ctrl.Abort(nil)

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if gotErr == nil {
		t.Fatal("expected a rejection after abort")
	}
	if !future.closed {
		t.Error("the in-flight future should have been closed on abort")
	}
}

type fakeHTTPClientFunc func(hostapi.HTTPRequestSpec) hostapi.ResponseFuture

func (f fakeHTTPClientFunc) Send(spec hostapi.HTTPRequestSpec) hostapi.ResponseFuture { return f(spec) }

type fakeFuture struct {
	readyCh chan struct{}
	closed  bool
}

func newFakeFuture() *fakeFuture { return &fakeFuture{readyCh: make(chan struct{})} }

func (f *fakeFuture) Ready() <-chan struct{} { return f.readyCh }
func (f *fakeFuture) Close() {
	if f.closed {
		return
	}
	f.closed = true
	close(f.readyCh)
}
func (f *fakeFuture) Result() (*hostapi.HTTPResponseResult, error) {
	return nil, errTestAborted
}

var errTestAborted = &testError{"future closed before completion"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
