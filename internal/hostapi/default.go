package hostapi

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/bytecodealliance/starling-go/internal/buildinfo"
)

// systemClock is the default Clock, backed by time.Now and time.Timer.
type systemClock struct{}

// NewSystemClock returns a Clock backed by the OS monotonic clock.
func NewSystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Subscribe(deadline time.Time) Pollable {
	d := time.Until(deadline)
	if d <= 0 {
		return Immediate()
	}
	return newTimerPollable(d)
}

// timerPollable adapts a time.Timer to a Pollable.
type timerPollable struct {
	timer *time.Timer
	ready chan struct{}
	once  sync.Once
}

func newTimerPollable(d time.Duration) *timerPollable {
	p := &timerPollable{ready: make(chan struct{})}
	p.timer = time.AfterFunc(d, func() { p.once.Do(func() { close(p.ready) }) })
	return p
}

func (p *timerPollable) Ready() <-chan struct{} { return p.ready }

func (p *timerPollable) Close() {
	p.timer.Stop()
}

// cryptoRandom is the default Random, backed by crypto/rand.
type cryptoRandom struct{}

// NewCryptoRandom returns a Random backed by crypto/rand, matching the
// host's wasi:random/random.get-random-bytes contract.
func NewCryptoRandom() Random { return cryptoRandom{} }

func (cryptoRandom) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (cryptoRandom) Uint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// selectPoller implements Poller with reflect.Select over each
// pollable's Ready() channel, since the pollable set is dynamic and
// stdlib select only handles a static case list.
type selectPoller struct{}

// NewSelectPoller returns the default Poller.
func NewSelectPoller() Poller { return selectPoller{} }

func (selectPoller) Poll(pollables []Pollable) []int {
	if len(pollables) == 0 {
		return nil
	}

	// Fast path: ready-immediate pollables must be
	// reported without blocking and to sort first. Check non-blockingly
	// before falling back to reflect.Select, which would otherwise pick
	// one arbitrarily among several simultaneously-ready channels.
	var immediate []int
	for i, p := range pollables {
		select {
		case <-p.Ready():
			immediate = append(immediate, i)
		default:
		}
	}
	if len(immediate) > 0 {
		return immediate
	}

	cases := make([]reflect.SelectCase, len(pollables))
	for i, p := range pollables {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(p.Ready())}
	}
	chosen, _, _ := reflect.Select(cases)
	ready := []int{chosen}
	// Collect any others that raced to ready at the same time so a
	// single poll call reports everything already available, matching
	// "poll returns the set of indices that became ready" rather than
	// exactly one.
	for i, c := range cases {
		if i == chosen {
			continue
		}
		select {
		case <-c.Chan.Interface().(<-chan struct{}):
			ready = append(ready, i)
		default:
		}
	}
	return ready
}

// httpClient is the default HTTPClient, backed by net/http with a
// shared transport construction pattern (dial/TLS/idle timeouts, a
// User-Agent transport).
type httpClient struct {
	client *http.Client
}

// NewHTTPClient builds the default HTTPClient. timeout bounds dialing a
// new connection (0 leaves the dial unbounded); no overall per-request
// deadline is set, so long-lived streaming responses are not cut off.
func NewHTTPClient(timeout time.Duration) HTTPClient {
	return &httpClient{client: newClient(timeout)}
}

func newClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: &userAgentTransport{base: transport, ua: buildinfo.UserAgent()},
	}
}

// userAgentTransport injects a default User-Agent onto every request
// that doesn't already carry one.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

func (c *httpClient) Send(spec HTTPRequestSpec) ResponseFuture {
	f := &responseFuture{ready: make(chan struct{})}
	go f.run(c.client, spec)
	return f
}

type responseFuture struct {
	ready  chan struct{}
	once   sync.Once
	result *HTTPResponseResult
	err    error
}

func (f *responseFuture) run(client *http.Client, spec HTTPRequestSpec) {
	defer f.once.Do(func() { close(f.ready) })

	ctx := spec.Context
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.ReadCloser
	if spec.Body != nil {
		body = &inputStreamReadCloser{s: spec.Body}
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL.String(), body)
	if err != nil {
		f.err = err
		return
	}
	req.Header = spec.Header

	resp, err := client.Do(req)
	if err != nil {
		f.err = err
		return
	}

	f.result = &HTTPResponseResult{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   newReaderInputStream(resp.Body),
	}
}

func (f *responseFuture) Ready() <-chan struct{} { return f.ready }
func (f *responseFuture) Close()                 {}

func (f *responseFuture) Result() (*HTTPResponseResult, error) {
	return f.result, f.err
}

// inputStreamReadCloser adapts an InputStream back to io.ReadCloser for
// handing request bodies to net/http.
type inputStreamReadCloser struct {
	s   InputStream
	buf []byte
}

func (r *inputStreamReadCloser) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err := r.s.Read(len(p))
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			// Would-block: wait for readiness before trying again.
			<-r.s.Ready()
			continue
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *inputStreamReadCloser) Close() error {
	r.s.Close()
	return nil
}

// readResult is a single background read outcome, buffered until the
// consumer's next Read call.
type readResult struct {
	data []byte
	err  error
}

// readerInputStream adapts an io.ReadCloser (an *http.Response.Body, in
// practice) to InputStream. Reads happen on a background goroutine so
// that Read never blocks the event loop's goroutine; Ready reports when
// the next chunk (or EOF/error) has landed. This is the "small internal
// buffer" approximation of a host capacity probe
// — plain net/http bodies have no native backpressure signal to poll.
type readerInputStream struct {
	r io.ReadCloser

	mu       sync.Mutex
	readyCh  chan struct{}
	fetching bool
	result   *readResult
}

func newReaderInputStream(r io.ReadCloser) *readerInputStream {
	return &readerInputStream{r: r, readyCh: make(chan struct{})}
}

func (s *readerInputStream) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return closedCh
	}
	if !s.fetching {
		s.fetching = true
		notify := s.readyCh
		go s.fetch(notify)
	}
	return s.readyCh
}

func (s *readerInputStream) fetch(notify chan struct{}) {
	buf := make([]byte, 32*1024)
	n, err := s.r.Read(buf)
	data := append([]byte(nil), buf[:n]...)

	s.mu.Lock()
	s.result = &readResult{data: data, err: err}
	s.fetching = false
	s.mu.Unlock()
	close(notify)
}

// Read returns data buffered by the background fetch started by Ready.
// A nil, nil result means "would block": the caller must wait on Ready
// before calling again. EOF is reported as io.EOF; any other fault is
// wrapped in a *StreamError.
func (s *readerInputStream) Read(max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result == nil {
		return nil, nil
	}
	res := s.result
	s.result = nil
	s.readyCh = make(chan struct{})

	if len(res.data) > 0 {
		if res.err != nil {
			// Data arrived together with EOF/error; surface the data
			// now and the terminal condition on the next call.
			s.result = &readResult{err: res.err}
			close(s.readyCh)
		}
		return res.data, nil
	}
	if res.err == io.EOF {
		return nil, io.EOF
	}
	if res.err != nil {
		return nil, &StreamError{Cause: res.err}
	}
	return nil, nil
}

func (s *readerInputStream) Close() {
	s.r.Close()
}

// NewReaderInputStream adapts r into an InputStream using the same
// background-read buffering as the outgoing HTTP client's response
// body, for callers outside this package that bridge a foreign
// io.ReadCloser into the core — the cmd/starling HTTP entry point
// wraps an incoming *http.Request.Body this way.
func NewReaderInputStream(r io.ReadCloser) InputStream {
	return newReaderInputStream(r)
}

// writerOutputStream adapts an http.ResponseWriter into an OutputStream.
// net/http has no backpressure signal to probe, so CheckWrite always
// reports a fixed chunk size rather than a real capacity check.
type writerOutputStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriterOutputStream adapts w into an OutputStream, flushing after
// every write when w supports http.Flusher so a streamed response body
// reaches the client incrementally instead of waiting for Close.
func NewWriterOutputStream(w http.ResponseWriter) OutputStream {
	flusher, _ := w.(http.Flusher)
	return &writerOutputStream{w: w, flusher: flusher}
}

func (s *writerOutputStream) Ready() <-chan struct{} { return closedCh }
func (s *writerOutputStream) Close()                 {}

func (s *writerOutputStream) CheckWrite() (int, error) { return 64 * 1024, nil }

func (s *writerOutputStream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return n, err
}

func (s *writerOutputStream) BlockingFlush() error {
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
