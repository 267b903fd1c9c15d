package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/bytecodealliance/starling-go/internal/body"
	"github.com/bytecodealliance/starling-go/internal/headers"
	"github.com/bytecodealliance/starling-go/internal/hostapi"
	"github.com/bytecodealliance/starling-go/internal/httpmsg"
)

// requestFromHTTP adapts an incoming *http.Request into a
// httpmsg.Request, wrapping its body as a host-backed stream rather than
// buffering it — the request body is read lazily the same way a real
// wasi:http incoming-body would be.
func requestFromHTTP(r *http.Request) (*httpmsg.Request, error) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u, err := url.Parse(scheme + "://" + r.Host + r.URL.RequestURI())
	if err != nil {
		return nil, fmt.Errorf("parsing request URL: %w", err)
	}

	h := headers.New(headers.GuardRequest)
	for name, values := range r.Header {
		for _, v := range values {
			if err := h.Append(name, v); err != nil {
				return nil, fmt.Errorf("request header %q: %w", name, err)
			}
		}
	}

	var bodySource *httpmsg.BodySource
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		stream := hostapi.NewReaderInputStream(r.Body)
		bodySource = httpmsg.NewStreamedBody(body.NewIncomingBody(stream))
	}

	return &httpmsg.Request{
		Method:  r.Method,
		URL:     u,
		Headers: h,
		Body:    bodySource,
	}, nil
}

// httpResponseWriter implements fetchevent.ResponseWriter over a
// net/http ResponseWriter: headers and status are written up front via
// Start, and the returned OutgoingBody streams the response body
// through the same writer.
type httpResponseWriter struct {
	w http.ResponseWriter
}

func (h *httpResponseWriter) Start(status int, hdrs *headers.Headers) (*body.OutgoingBody, error) {
	dst := h.w.Header()
	for _, pair := range hdrs.Entries() {
		dst.Add(pair.Name, pair.Value)
	}
	h.w.WriteHeader(status)

	if httpmsg.IsNullBodyStatus(status) {
		return nil, nil
	}

	stream := hostapi.NewWriterOutputStream(h.w)
	return body.NewOutgoingBody(stream, nil), nil
}
