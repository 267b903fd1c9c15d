// Package diagnostics provides operational observability for the
// runtime's host-facing errors: host capability failures, network
// errors, event-loop stall reports, and unhandled promise rejections.
// Components publish
// [Record]s to a [Bus]; a default sink logs them via log/slog, and an
// optional sink persists them to SQLite for later inspection.
//
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package diagnostics

import (
	"sync"
	"time"
)

// Kind identifies the category of a diagnostic record.
type Kind string

const (
	// KindHostError reports a non-zero return from a host capability
	// (clock, random, http, streams). The host error code is preserved
	// in Record.Detail for diagnostics only — the JS-visible surface collapses it
	// to a TypeError at the JS boundary.
	KindHostError Kind = "host_error"
	// KindNetworkError reports a fetch() that resolved to a Response
	// with type "error" (status 0).
	KindNetworkError Kind = "network_error"
	// KindEventLoopStalled reports interest > 0 with no queued tasks
	//.
	KindEventLoopStalled Kind = "event_loop_stalled"
	// KindUnhandledRejection reports a promise rejection that reached
	// the end of a top-level turn with no handler attached.
	KindUnhandledRejection Kind = "unhandled_rejection"
	// KindWaitUntilRejected reports a waitUntil promise that rejected;
	// this is logged, not surfaced to the response.
	KindWaitUntilRejected Kind = "wait_until_rejected"
)

// Record is a single diagnostic observation.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Bus is a non-blocking broadcast bus for diagnostic records.
// Subscribers receive records on buffered channels; a slow subscriber
// misses records rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Record]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Record view.
	recvToSend map[<-chan Record]chan Record
}

// New creates a diagnostics bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Record]struct{}),
		recvToSend: make(map[<-chan Record]chan Record),
	}
}

// Publish sends a record to all subscribers. Non-blocking: if a
// subscriber's channel is full, the record is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(r Record) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- r:
		default:
			// Subscriber is full — drop rather than block the publisher.
		}
	}
}

// Subscribe returns a channel that receives published records. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Record {
	ch := make(chan Record, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
