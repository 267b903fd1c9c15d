package abort

import (
	"errors"
	"testing"
	"time"

	"github.com/bytecodealliance/starling-go/internal/domexception"
)

func TestNewSignalStartsNotAborted(t *testing.T) {
	s := NewSignal()
	if s.Aborted() {
		t.Error("Aborted() on fresh signal = true")
	}
	if s.Reason() != nil {
		t.Error("Reason() on fresh signal should be nil")
	}
}

func TestAbortSetsReasonAndIsIdempotent(t *testing.T) {
	s := NewSignal()
	s.Abort("first")
	s.Abort("second")
	if !s.Aborted() {
		t.Fatal("Aborted() = false after Abort")
	}
	if s.Reason() != "first" {
		t.Errorf("Reason() = %v, want %q (second Abort call is a no-op)", s.Reason(), "first")
	}
}

func TestAbortWithNilReasonUsesAbortError(t *testing.T) {
	s := NewSignal()
	s.Abort(nil)
	var exc *domexception.DOMException
	reason, ok := s.Reason().(*domexception.DOMException)
	if !ok {
		t.Fatalf("Reason() = %T, want *domexception.DOMException", s.Reason())
	}
	exc = reason
	if !errors.Is(exc, domexception.New(domexception.AbortError, "")) {
		t.Errorf("Reason() name = %v, want AbortError", exc.ExceptionName)
	}
}

func TestAddAlgorithmRunsOnAbort(t *testing.T) {
	s := NewSignal()
	ran := false
	ok := s.AddAlgorithm(func() { ran = true })
	if !ok {
		t.Fatal("AddAlgorithm on non-aborted signal should succeed")
	}
	s.Abort("x")
	if !ran {
		t.Error("algorithm did not run on abort")
	}
}

func TestAddAlgorithmRejectedWhenAlreadyAborted(t *testing.T) {
	s := NewSignal()
	s.Abort("x")
	ran := false
	ok := s.AddAlgorithm(func() { ran = true })
	if ok {
		t.Error("AddAlgorithm on an already-aborted signal should report false")
	}
	if ran {
		t.Error("algorithm added after abort must not run")
	}
}

func TestOnAbortFiresImmediatelyWhenAlreadyAborted(t *testing.T) {
	s := NewSignal()
	s.Abort("x")
	ran := false
	s.OnAbort(func() { ran = true })
	if !ran {
		t.Error("OnAbort on an already-aborted signal should fire synchronously")
	}
}

func TestOnAbortDetachPreventsLaterInvocation(t *testing.T) {
	s := NewSignal()
	ran := false
	detach := s.OnAbort(func() { ran = true })
	detach()
	s.Abort("x")
	if ran {
		t.Error("detached OnAbort callback should not run")
	}
}

func TestTimeoutFiresWithTimeoutError(t *testing.T) {
	sig, fire := Timeout(time.Hour)
	if sig.Aborted() {
		t.Fatal("Timeout signal must not start aborted")
	}
	fire()
	if !sig.Aborted() {
		t.Fatal("Timeout signal should be aborted after fire()")
	}
	exc, ok := sig.Reason().(*domexception.DOMException)
	if !ok || exc.ExceptionName != domexception.TimeoutError {
		t.Errorf("Reason() = %v, want TimeoutError", sig.Reason())
	}
}

func TestAlreadyAbortedReturnsAbortedSignal(t *testing.T) {
	s := AlreadyAborted("boom")
	if !s.Aborted() {
		t.Fatal("AlreadyAborted() result should already be aborted")
	}
	if s.Reason() != "boom" {
		t.Errorf("Reason() = %v, want %q", s.Reason(), "boom")
	}
}

// invariant: AbortSignal.any propagates abort from any source to the
// dependent signal exactly once.
func TestAnyPropagatesAbortFromEitherSource(t *testing.T) {
	a := NewSignal()
	b := NewSignal()
	dep := Any([]*Signal{a, b})
	if dep.Aborted() {
		t.Fatal("dependent signal must not start aborted")
	}
	if !dep.IsDependent() {
		t.Error("IsDependent() = false for a signal built by Any")
	}
	b.Abort("from-b")
	if !dep.Aborted() {
		t.Fatal("dependent signal should abort when a source aborts")
	}
	if dep.Reason() != "from-b" {
		t.Errorf("Reason() = %v, want %q", dep.Reason(), "from-b")
	}
	// aborting the other source afterward must not change the reason.
	a.Abort("from-a")
	if dep.Reason() != "from-b" {
		t.Errorf("Reason() changed after dependent already aborted: %v", dep.Reason())
	}
}

func TestAnyWithAlreadyAbortedSourceAbortsImmediately(t *testing.T) {
	a := AlreadyAborted("already")
	b := NewSignal()
	dep := Any([]*Signal{a, b})
	if !dep.Aborted() {
		t.Fatal("Any() with an already-aborted source should abort immediately")
	}
	if dep.Reason() != "already" {
		t.Errorf("Reason() = %v, want %q", dep.Reason(), "already")
	}
}

// AbortSignal.any flattens dependent sources rather than nesting them, so
// a diamond of Any() calls still converges on the original source.
func TestAnyFlattensNestedDependents(t *testing.T) {
	root := NewSignal()
	mid := Any([]*Signal{root})
	leaf := Any([]*Signal{mid})
	root.Abort("root-reason")
	if !leaf.Aborted() {
		t.Fatal("nested Any() dependents should propagate abort through flattening")
	}
	if leaf.Reason() != "root-reason" {
		t.Errorf("Reason() = %v, want %q", leaf.Reason(), "root-reason")
	}
}

func TestControllerAbortsItsSignal(t *testing.T) {
	c := NewController()
	c.Abort("stopped")
	if !c.Signal.Aborted() {
		t.Fatal("Controller.Abort should abort its Signal")
	}
}

func TestReleaseRemovesFromRegistry(t *testing.T) {
	s := NewSignal()
	id := s.ID()
	if _, ok := lookup(id); !ok {
		t.Fatal("signal should be registered after NewSignal")
	}
	s.Release()
	if _, ok := lookup(id); ok {
		t.Error("signal should be absent from the registry after Release")
	}
}
