// Package httpmsg implements Request and Response: the WHATWG request/response shape layered over
// internal/body and internal/headers, with clone (buffered bodies only;
// a streamed body is not teed), the redirect-status check, and the
// ReadAll/Text/JSON body consumption methods. arrayBuffer/blob/formData
// consumption and Response.redirect construction live in internal/globals.
package httpmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/bytecodealliance/starling-go/internal/body"
	"github.com/bytecodealliance/starling-go/internal/headers"
)

// ErrBodyDisturbed is returned when a body-consuming operation is
// attempted on a body that has already been read, matching the Fetch
// spec's "disturbed" state.
var ErrBodyDisturbed = errors.New("httpmsg: body already used")

// ErrBodyLocked is returned when a body operation targets a body whose
// ReadableStream reader is locked by someone else.
var ErrBodyLocked = errors.New("httpmsg: body locked")

// nullBodyStatuses are the statuses for which a Response must have no
// body.
var nullBodyStatuses = map[int]bool{204: true, 205: true, 304: true}

// allowedRedirectStatuses are the statuses Response.redirect accepts.
var allowedRedirectStatuses = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// statusText is the authoritative status-message table,
// trimmed to the codes exercised by fetch/blob/range responses; any
// status absent from this table falls back to "" (unset), matching the
// "derived from code unless overridden" rule.
var statusText = map[int]string{
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	205: "Reset Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	416: "Range Not Satisfiable",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
}

// StatusText returns the authoritative reason phrase for code, or "" if
// code is not in the table.
func StatusText(code int) string { return statusText[code] }

// BodySource holds a message body in one of two forms: a fully buffered
// byte slice (the common case for request/response bodies constructed
// directly from JS values) or a streamed host-backed IncomingBody.
type BodySource struct {
	mu       sync.Mutex
	buffered []byte
	isBuffer bool
	stream   *body.IncomingBody
	used     bool
}

// NewBufferedBody wraps b as an already-materialized body.
func NewBufferedBody(b []byte) *BodySource {
	return &BodySource{buffered: b, isBuffer: true}
}

// NewStreamedBody wraps a host-backed IncomingBody.
func NewStreamedBody(s *body.IncomingBody) *BodySource {
	return &BodySource{stream: s}
}

// Used reports whether the body has been consumed.
func (b *BodySource) Used() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *BodySource) markUsed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return ErrBodyDisturbed
	}
	b.used = true
	return nil
}

// MarkUsed flags the body as consumed without reading it, for the case
// where its underlying stream is handed directly to another BodySource
// (a ReadableStream reified from this body, stolen whole by the
// direct-append short circuit instead of being read through JS).
func (b *BodySource) MarkUsed() error {
	if b == nil {
		return nil
	}
	return b.markUsed()
}

// Stream returns the underlying host stream, if this body is streamed.
func (b *BodySource) Stream() (*body.IncomingBody, bool) {
	if b == nil || b.isBuffer {
		return nil, false
	}
	return b.stream, true
}

// ReadAll consumes the entire body and returns its bytes, marking it
// used. Calling it twice is an error (ErrBodyDisturbed), matching the
// Fetch spec's single-consumption rule.
func (b *BodySource) ReadAll() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.markUsed(); err != nil {
		return nil, err
	}
	if b.isBuffer {
		return b.buffered, nil
	}
	if err := b.stream.Lock(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBodyLocked, err)
	}
	defer b.stream.Unlock()
	defer b.stream.Close()

	var out []byte
	for {
		chunk, err := b.stream.Read(body.CHUNK)
		if len(chunk) > 0 {
			out = append(out, chunk...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		if len(chunk) == 0 {
			<-b.stream.Pollable().Ready()
		}
	}
}

// Text reads the whole body and decodes it as UTF-8 text.
func (b *BodySource) Text() (string, error) {
	raw, err := b.ReadAll()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// JSON reads the whole body and unmarshals it into v.
func (b *BodySource) JSON(v any) error {
	raw, err := b.ReadAll()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Clone returns an independent copy of a not-yet-used buffered body.
// Cloning a streamed (and therefore disturbable) body is rejected with
// ErrBodyDisturbed-equivalent semantics — tee support for live host
// streams is out of scope for this reimplementation.
func (b *BodySource) Clone() (*BodySource, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return nil, ErrBodyDisturbed
	}
	if !b.isBuffer {
		return nil, fmt.Errorf("httpmsg: cannot clone a streamed body")
	}
	cp := make([]byte, len(b.buffered))
	copy(cp, b.buffered)
	return NewBufferedBody(cp), nil
}

// Request is the WHATWG Request shape over Body + Headers.
type Request struct {
	Method  string
	URL     *url.URL
	Headers *headers.Headers
	Body    *BodySource
}

// Response is the WHATWG Response shape over Body + Headers.
type Response struct {
	Status     int
	StatusText string
	Headers    *headers.Headers
	Body       *BodySource
	Redirected bool
	// Type is "default" for an ordinary response or "error" for a
	// network error response.
	Type string
}

// ErrNullBodyStatus is returned when constructing a Response with a body
// at a null-body status (204/205/304): constructing a Response with a
// body at one of these statuses must throw.
var ErrNullBodyStatus = errors.New("httpmsg: response status must have a null body")

// NewResponse constructs a Response, validating the null-body statuses
// invariant.
func NewResponse(status int, h *headers.Headers, b *BodySource) (*Response, error) {
	if b != nil && nullBodyStatuses[status] {
		return nil, ErrNullBodyStatus
	}
	text := statusText[status]
	return &Response{Status: status, StatusText: text, Headers: h, Body: b, Type: "default"}, nil
}

// NetworkErrorResponse constructs the canonical network-error Response:
// type "error", status 0, empty headers, empty body.
func NetworkErrorResponse() *Response {
	return &Response{Status: 0, Type: "error", Headers: headers.New(headers.GuardImmutable)}
}

// IsRedirectStatusAllowed reports whether status is one Response.redirect
// accepts.
func IsRedirectStatusAllowed(status int) bool { return allowedRedirectStatuses[status] }

// IsNullBodyStatus reports whether status must carry no body.
func IsNullBodyStatus(status int) bool { return nullBodyStatuses[status] }

// Clone returns an independent copy of r's body and a fresh writable
// headers clone, per the Request/Response clone() contract.
func (r *Response) Clone() (*Response, error) {
	clonedBody, err := r.Body.Clone()
	if err != nil {
		return nil, err
	}
	var h *headers.Headers
	if r.Headers != nil {
		h = r.Headers.Clone(headers.GuardResponse)
	}
	return &Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Headers:    h,
		Body:       clonedBody,
		Redirected: r.Redirected,
		Type:       r.Type,
	}, nil
}

// Clone returns an independent copy of req's body and a fresh writable
// headers clone.
func (req *Request) Clone() (*Request, error) {
	clonedBody, err := req.Body.Clone()
	if err != nil {
		return nil, err
	}
	var h *headers.Headers
	if req.Headers != nil {
		h = req.Headers.Clone(headers.GuardRequest)
	}
	u := *req.URL
	return &Request{Method: req.Method, URL: &u, Headers: h, Body: clonedBody}, nil
}
