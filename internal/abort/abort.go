// Package abort implements AbortSignal and AbortController: abort reason propagation, dependent signals, timeout signals,
// and the algorithm list. Grounded on original_source
// builtins/web/abort/abort-signal.cpp and weak-index-set.h for the
// dependent/source set semantics; reimplemented as an id-keyed table with
// an explicit liveness check since Go has no native weak reference usable
// from a GC-traced slot the way SpiderMonkey's reserved slots are traced.
package abort

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytecodealliance/starling-go/internal/domexception"
)

var nextID uint64

func allocID() uint64 { return atomic.AddUint64(&nextID, 1) }

// Algorithm is a closure run exactly once when a Signal aborts.
type Algorithm func()

// Signal is an AbortSignal. The zero value is not usable; construct with
// NewSignal.
type Signal struct {
	id uint64

	mu         sync.Mutex
	reason     any
	hasReason  bool
	dependent  bool
	algorithms []Algorithm
	// sources/dependents are id-keyed so membership never keeps a
	// signal alive on its own; liveness is checked through the
	// registry at iteration time.
	sources    map[uint64]struct{}
	dependents map[uint64]struct{}

	abortListeners []func()
}

// registry is the process-wide liveness table backing the weak
// source/dependent sets. A real weak-reference GC sweep would remove
// entries automatically; this reimplementation removes an entry only
// when Release is called explicitly (no caller in this module does so),
// and tolerates stale entries by treating a missing lookup as "no
// longer live".
var registry = struct {
	mu      sync.Mutex
	signals map[uint64]*Signal
}{signals: make(map[uint64]*Signal)}

func register(s *Signal) {
	registry.mu.Lock()
	registry.signals[s.id] = s
	registry.mu.Unlock()
}

func lookup(id uint64) (*Signal, bool) {
	registry.mu.Lock()
	s, ok := registry.signals[id]
	registry.mu.Unlock()
	return s, ok
}

// Release removes s from the liveness registry. Call when the JS-visible
// wrapper around s becomes unreachable.
func (s *Signal) Release() {
	registry.mu.Lock()
	delete(registry.signals, s.id)
	registry.mu.Unlock()
}

// NewSignal constructs a fresh, non-aborted AbortSignal.
func NewSignal() *Signal {
	s := &Signal{id: allocID(), sources: map[uint64]struct{}{}, dependents: map[uint64]struct{}{}}
	register(s)
	return s
}

// ID returns the signal's stable identity, used as the registry key.
func (s *Signal) ID() uint64 { return s.id }

// Aborted reports whether the signal has a reason set.
func (s *Signal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasReason
}

// Reason returns the abort reason, or nil if not aborted.
func (s *Signal) Reason() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// IsDependent reports whether s was created via AbortSignal.any rather
// than directly by an AbortController.
func (s *Signal) IsDependent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dependent
}

// AddAlgorithm appends algo to the signal's algorithm list, unless the
// signal is already aborted. It reports whether the algorithm was added; the caller
// must not rely on it running if this returns false.
func (s *Signal) AddAlgorithm(algo Algorithm) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasReason {
		return false
	}
	s.algorithms = append(s.algorithms, algo)
	return true
}

// OnAbort registers fn to run (at most once) when s aborts. It satisfies
// internal/domevent.AbortChecker so EventTarget can install the
// listener-removal algorithm. If s is already
// aborted, fn runs synchronously before OnAbort returns.
func (s *Signal) OnAbort(fn func()) (detach func()) {
	s.mu.Lock()
	if s.hasReason {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	idx := len(s.abortListeners)
	s.abortListeners = append(s.abortListeners, fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if idx < len(s.abortListeners) {
			s.abortListeners[idx] = nil
		}
		s.mu.Unlock()
	}
}

// addDependent links dep as a dependent of s (source -> dependent edge).
func (s *Signal) addDependent(dep *Signal) {
	s.mu.Lock()
	s.dependents[dep.id] = struct{}{}
	s.mu.Unlock()
	dep.mu.Lock()
	dep.sources[s.id] = struct{}{}
	dep.dependent = true
	dep.mu.Unlock()
}

// Abort runs the abort algorithm: abort(signal, reason).
// If reason is nil, a fresh AbortError DOMException is used. Idempotent:
// aborting an already-aborted signal is a no-op.
func (s *Signal) Abort(reason any) {
	s.abort(reason)
}

func (s *Signal) abort(reason any) {
	s.mu.Lock()
	if s.hasReason {
		s.mu.Unlock()
		return
	}
	if reason == nil {
		reason = domexception.New(domexception.AbortError, "signal is aborted without reason")
	}
	s.reason = reason
	s.hasReason = true

	dependentIDs := make([]uint64, 0, len(s.dependents))
	for id := range s.dependents {
		dependentIDs = append(dependentIDs, id)
	}
	s.dependents = map[uint64]struct{}{}

	algorithms := s.algorithms
	s.algorithms = nil
	listeners := s.abortListeners
	s.abortListeners = nil
	s.mu.Unlock()

	for _, a := range algorithms {
		a()
	}
	for _, l := range listeners {
		if l != nil {
			l()
		}
	}

	for _, id := range dependentIDs {
		dep, ok := lookup(id)
		if !ok || dep.Aborted() {
			continue
		}
		dep.abort(reason)
	}
}

// Controller is an AbortController owning one Signal.
type Controller struct {
	Signal *Signal
}

// NewController constructs a Controller with a fresh Signal.
func NewController() *Controller {
	return &Controller{Signal: NewSignal()}
}

// Abort aborts the controller's signal.
func (c *Controller) Abort(reason any) { c.Signal.Abort(reason) }

// AlreadyAborted returns a Signal that is aborted from construction
// (AbortSignal.abort(reason): returns a prealready-aborted
// signal").
func AlreadyAborted(reason any) *Signal {
	s := NewSignal()
	s.Abort(reason)
	return s
}

// Timeout creates a signal that a caller-supplied timer primitive should
// abort with a TimeoutError after d elapses. The caller (internal/timers, via
// internal/globals) is responsible for actually scheduling the one-shot
// timer task and invoking the returned fire function; this keeps the
// abort package independent of the timer/event-loop machinery.
func Timeout(d time.Duration) (signal *Signal, fire func()) {
	s := NewSignal()
	fire = func() {
		s.Abort(domexception.New(domexception.TimeoutError, "signal timed out"))
	}
	return s, fire
}

// Any returns a dependent signal whose source set is the flattened,
// already-aborted-short-circuited union of the given signals' own
// sources. Sources are never themselves
// dependent: a dependent input contributes its own sources, not itself.
func Any(signals []*Signal) *Signal {
	result := NewSignal()
	result.dependent = true

	seen := map[uint64]struct{}{}
	var flatSources []*Signal

	var flatten func(s *Signal)
	flatten = func(s *Signal) {
		s.mu.Lock()
		isDependent := s.dependent
		var srcIDs []uint64
		for id := range s.sources {
			srcIDs = append(srcIDs, id)
		}
		s.mu.Unlock()

		if !isDependent {
			if _, ok := seen[s.id]; !ok {
				seen[s.id] = struct{}{}
				flatSources = append(flatSources, s)
			}
			return
		}
		for _, id := range srcIDs {
			if src, ok := lookup(id); ok {
				flatten(src)
			}
		}
	}

	for _, s := range signals {
		flatten(s)
	}

	for _, src := range flatSources {
		if src.Aborted() {
			result.Abort(src.Reason())
			return result
		}
	}
	for _, src := range flatSources {
		src.addDependent(result)
	}
	return result
}
