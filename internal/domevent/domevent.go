// Package domevent implements Event and EventTarget: single-node WHATWG event dispatch with an
// ordered listener list, capture/passive/once flags, and AbortSignal-bound
// removal.
package domevent

import (
	"log/slog"
	"time"
)

// Phase mirrors the WHATWG event phase enum. Events here have no tree,
// so dispatch is always single-node: phase transitions
// directly from None to AtTarget and back.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseCapturing
	PhaseAtTarget
	PhaseBubbling
)

// Event is a WHATWG event instance.
type Event struct {
	Type      string
	Bubbles   bool
	Cancelable bool
	Composed  bool
	Target        *EventTarget
	CurrentTarget *EventTarget
	RelatedTarget *EventTarget
	Timestamp time.Time

	initialized              bool
	trusted                  bool
	stopPropagation          bool
	stopImmediatePropagation bool
	canceled                 bool
	inPassiveListener        bool
	dispatch                 bool
	phase                    Phase
}

// NewEvent constructs an Event, stamping its timestamp.
func NewEvent(eventType string, bubbles, cancelable, composed bool) *Event {
	return &Event{
		Type:       eventType,
		Bubbles:    bubbles,
		Cancelable: cancelable,
		Composed:   composed,
		Timestamp:  time.Now(),
		initialized: true,
	}
}

// StopPropagation sets the stop-propagation flag. With single-node
// dispatch this only prevents any remaining listeners at this target
// from seeing further invocation ordering changes; retained for
// interface parity with the DOM contract.
func (e *Event) StopPropagation() { e.stopPropagation = true }

// StopImmediatePropagation additionally halts remaining listeners at the
// current target.
func (e *Event) StopImmediatePropagation() {
	e.stopPropagation = true
	e.stopImmediatePropagation = true
}

// PreventDefault sets the canceled flag if the event is cancelable and
// not currently in a passive listener.
func (e *Event) PreventDefault() {
	if e.Cancelable && !e.inPassiveListener {
		e.canceled = true
	}
}

// DefaultPrevented reports whether PreventDefault took effect.
func (e *Event) DefaultPrevented() bool { return e.canceled }

// Phase returns the event's current dispatch phase.
func (e *Event) Phase() Phase { return e.phase }

// Trusted reports whether the event was dispatched by the runtime itself
// rather than constructed and dispatched by script.
func (e *Event) Trusted() bool { return e.trusted }

// MarkTrusted flags an event as runtime-originated (fetch, abort).
func (e *Event) MarkTrusted() { e.trusted = true }

// Callback is a listener's callback: a plain function, or (per the DOM
// spec) an object exposing handleEvent — the latter modeled by wrapping
// it in a Callback closure at the binding layer (internal/globals).
type Callback func(*Event)

// ListenerOptions configures addEventListener.
type ListenerOptions struct {
	Capture bool
	Passive bool
	Once    bool
	// Signal, if non-nil, is an abort-check function; when it reports
	// true the listener is removed before further dispatch.
	Signal AbortChecker
}

// AbortChecker reports whether an associated AbortSignal has fired.
// internal/abort's Signal satisfies this via its Aborted method; the
// interface here keeps domevent independent of the abort package.
type AbortChecker interface {
	Aborted() bool
	// OnAbort registers fn to run (at most once) when the signal
	// aborts, returning a detach function. EventTarget uses this to
	// install the signal's removal algorithm instead of
	// polling Aborted() on every dispatch.
	OnAbort(fn func()) (detach func())
}

type listener struct {
	eventType string
	callback  Callback
	capture   bool
	passive   bool
	once      bool
	removed   bool
	detach    func()
}

// identityKey is the listener identity tuple: (type, callback, capture).
// Go doesn't let us compare func values for equality, so callers that
// need "re-adding an identical listener is a no-op" semantics must pass
// a stable comparable token (id) alongside the callback. internal/globals
// mints a fresh id for every addEventListener call, so the same JS
// function added twice is registered twice.
type identityKey struct {
	eventType string
	id        uint64
	capture   bool
}

// EventTarget owns an ordered list of listener records.
type EventTarget struct {
	logger    *slog.Logger
	listeners []listenerEntry
}

type listenerEntry struct {
	key identityKey
	l   *listener
}

// NewEventTarget constructs an empty EventTarget.
func NewEventTarget(logger *slog.Logger) *EventTarget {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventTarget{logger: logger}
}

// AddEventListener registers cb for eventType. id must uniquely and
// stably identify the callback (see identityKey); re-adding the same
// (type, id, capture) tuple is a no-op, and a previously removed-but-
// still-present record is revived and moved to the end of the list.
func (t *EventTarget) AddEventListener(eventType string, id uint64, cb Callback, opts ListenerOptions) {
	key := identityKey{eventType: eventType, id: id, capture: opts.Capture}
	for i, e := range t.listeners {
		if e.key == key {
			if e.l.removed {
				e.l.removed = false
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				t.listeners = append(t.listeners, e)
			}
			return
		}
	}

	l := &listener{eventType: eventType, callback: cb, capture: opts.Capture, passive: opts.Passive, once: opts.Once}
	entry := listenerEntry{key: key, l: l}
	t.listeners = append(t.listeners, entry)

	if opts.Signal != nil {
		if opts.Signal.Aborted() {
			t.removeEntry(key)
			return
		}
		l.detach = opts.Signal.OnAbort(func() {
			t.removeEntry(key)
		})
	}
}

// RemoveEventListener removes the listener identified by (eventType, id,
// capture), if present.
func (t *EventTarget) RemoveEventListener(eventType string, id uint64, capture bool) {
	t.removeEntry(identityKey{eventType: eventType, id: id, capture: capture})
}

func (t *EventTarget) removeEntry(key identityKey) {
	for i, e := range t.listeners {
		if e.key == key {
			e.l.removed = true
			if e.l.detach != nil {
				e.l.detach()
				e.l.detach = nil
			}
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// DispatchEvent runs every listener registered for event.Type, in
// insertion order, with phase AtTarget. An uncaught panic from a listener is
// logged and swallowed, matching the DOM spec's "report the exception"
// step; dispatch continues with the remaining listeners.
// It returns !event.DefaultPrevented().
func (t *EventTarget) DispatchEvent(event *Event) bool {
	event.Target = t
	event.CurrentTarget = t
	event.dispatch = true
	event.phase = PhaseAtTarget
	defer func() {
		event.dispatch = false
		event.phase = PhaseNone
	}()

	// Snapshot so listeners added/removed during dispatch (including
	// "once" self-removal) don't perturb the iteration in progress.
	snapshot := append([]listenerEntry(nil), t.listeners...)

	for _, e := range snapshot {
		if e.l.eventType != event.Type || e.l.removed {
			continue
		}
		if event.stopImmediatePropagation {
			break
		}
		if e.l.once {
			t.removeEntry(e.key)
		}
		event.inPassiveListener = e.l.passive
		t.runListener(e.l, event)
		event.inPassiveListener = false
	}

	return !event.canceled
}

func (t *EventTarget) runListener(l *listener, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("uncaught exception in event listener", "type", event.Type, "error", r)
		}
	}()
	l.callback(event)
}

// ListenerCount reports the number of currently registered listeners,
// for diagnostics and tests.
func (t *EventTarget) ListenerCount() int { return len(t.listeners) }
