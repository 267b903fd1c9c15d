package body

import (
	"errors"
	"io"
	"testing"

	"github.com/bytecodealliance/starling-go/internal/hostapi"
)

type fakeInputStream struct {
	chunks [][]byte
	idx    int
	closed bool
}

func (s *fakeInputStream) Ready() <-chan struct{} { return hostapi.Immediate().Ready() }
func (s *fakeInputStream) Close()                 { s.closed = true }
func (s *fakeInputStream) Read(max int) ([]byte, error) {
	if s.idx >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}

func TestIncomingBodyReadsChunksThenEOF(t *testing.T) {
	fake := &fakeInputStream{chunks: [][]byte{{1, 2}, {3}}}
	b := NewIncomingBody(fake)

	chunk, err := b.Read(CHUNK)
	if err != nil || len(chunk) != 2 {
		t.Fatalf("first Read = %v, %v", chunk, err)
	}
	chunk, err = b.Read(CHUNK)
	if err != nil || len(chunk) != 1 {
		t.Fatalf("second Read = %v, %v", chunk, err)
	}
	_, err = b.Read(CHUNK)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("third Read err = %v, want io.EOF", err)
	}
}

func TestIncomingBodyCloseReleasesStream(t *testing.T) {
	fake := &fakeInputStream{}
	b := NewIncomingBody(fake)
	b.Close()
	if !fake.closed {
		t.Error("Close() did not release the underlying stream")
	}
	// Double close must be a no-op, not a second release attempt.
	b.Close()
	if b.Valid() {
		t.Error("Valid() after Close() = true, want false")
	}
}

func TestIncomingBodyLockRejectsSecondReader(t *testing.T) {
	b := NewIncomingBody(&fakeInputStream{})
	if err := b.Lock(); err != nil {
		t.Fatalf("first Lock() error: %v", err)
	}
	if err := b.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock() = %v, want ErrLocked", err)
	}
	b.Unlock()
	if err := b.Lock(); err != nil {
		t.Fatalf("Lock() after Unlock() error: %v", err)
	}
}

type fakeOutputStream struct {
	capacity int
	written  []byte
	flushed  bool
	closed   bool
}

func (s *fakeOutputStream) Ready() <-chan struct{}  { return hostapi.Immediate().Ready() }
func (s *fakeOutputStream) Close()                  {}
func (s *fakeOutputStream) CheckWrite() (int, error) { return s.capacity, nil }
func (s *fakeOutputStream) Write(p []byte) (int, error) {
	n := len(p)
	if n > s.capacity {
		n = s.capacity
	}
	s.written = append(s.written, p[:n]...)
	return n, nil
}
func (s *fakeOutputStream) BlockingFlush() error { s.flushed = true; return nil }
func (s *fakeOutputStream) CloseStream() error   { s.closed = true; return nil }

func TestOutgoingBodyWriteAllSplitsOnCapacity(t *testing.T) {
	fake := &fakeOutputStream{capacity: 2}
	var closedErr error
	b := NewOutgoingBody(wrapOutput(fake), func(err error) { closedErr = err })

	if err := b.WriteAll([]byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("WriteAll error: %v", err)
	}
	if b.BytesWritten() != 5 {
		t.Errorf("BytesWritten() = %d, want 5", b.BytesWritten())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if !fake.flushed {
		t.Error("Close() did not flush")
	}
	if closedErr != nil {
		t.Errorf("onClose err = %v, want nil", closedErr)
	}
}

func TestOutgoingBodyLockRejectsSecondWriter(t *testing.T) {
	b := NewOutgoingBody(wrapOutput(&fakeOutputStream{capacity: 16}), nil)
	if err := b.Lock(); err != nil {
		t.Fatalf("first Lock() error: %v", err)
	}
	if err := b.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock() = %v, want ErrLocked", err)
	}
}

// wrapOutput adapts fakeOutputStream to hostapi.OutputStream. The
// adapter's Close (the result-less Close inherited from Pollable) routes
// to CloseStream so the fake records the release.
type outputAdapter struct {
	*fakeOutputStream
}

func (o outputAdapter) Close() { _ = o.CloseStream() }

func wrapOutput(f *fakeOutputStream) hostapi.OutputStream {
	return outputAdapter{f}
}
