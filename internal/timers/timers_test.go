package timers

import (
	"testing"
	"time"

	"github.com/bytecodealliance/starling-go/internal/hostapi"
)

// fakeClock hands out already-ready pollables regardless of deadline, so
// tests can drive timer firing deterministically without real sleeps.
type fakeClock struct {
	subscribed []time.Time
}

func (c *fakeClock) Now() time.Time { return time.Now() }
func (c *fakeClock) Subscribe(deadline time.Time) hostapi.Pollable {
	c.subscribed = append(c.subscribed, deadline)
	return hostapi.Immediate()
}

// fakeLoop is a minimal in-memory stand-in for eventloop.Loop, enough to
// drive a single timer task's lifecycle under test control.
type fakeLoop struct {
	queued   []Task
	interest int
	canceled map[any]bool
}

func newFakeLoop() *fakeLoop { return &fakeLoop{canceled: map[any]bool{}} }

func (l *fakeLoop) Queue(t Task) any {
	l.queued = append(l.queued, t)
	return t
}

func (l *fakeLoop) Cancel(handle any) {
	if l.canceled[handle] {
		return
	}
	l.canceled[handle] = true
	if t, ok := handle.(Task); ok {
		t.Cancel()
	}
}

func (l *fakeLoop) IncrInterest() { l.interest++ }
func (l *fakeLoop) DecrInterest() { l.interest-- }

// runToCompletion simulates the event loop driving a single queued task to
// completion (Run until it returns false, then Cancel), mirroring
// eventloop.Loop.runOne.
func runToCompletion(l *fakeLoop, t Task) {
	for t.Run() {
	}
	t.Cancel()
}

func TestSetIncrementsInterestAndFiresCallback(t *testing.T) {
	clock := &fakeClock{}
	loop := newFakeLoop()
	reg := NewRegistry(clock, loop)

	var called []any
	reg.Set(10*time.Millisecond, false, func(args []any) { called = append(called, args...) }, []any{"a"})

	if loop.interest != 1 {
		t.Fatalf("interest = %d, want 1", loop.interest)
	}
	if len(loop.queued) != 1 {
		t.Fatalf("queued tasks = %d, want 1", len(loop.queued))
	}
	runToCompletion(loop, loop.queued[0])

	if len(called) != 1 || called[0] != "a" {
		t.Errorf("callback args = %v, want [a]", called)
	}
	if loop.interest != 0 {
		t.Errorf("interest after completion = %d, want 0", loop.interest)
	}
}

func TestNegativeDelayClampsToZero(t *testing.T) {
	clock := &fakeClock{}
	loop := newFakeLoop()
	reg := NewRegistry(clock, loop)
	reg.Set(-5*time.Second, false, func([]any) {}, nil)
	if len(clock.subscribed) != 1 {
		t.Fatal("expected one clock subscription")
	}
	// deadline should be ~now, not ~now-5s.
	if clock.subscribed[0].Before(time.Now().Add(-time.Second)) {
		t.Errorf("negative delay was not clamped: deadline %v is in the past", clock.subscribed[0])
	}
}

func TestClearBeforeFirePreventsCallback(t *testing.T) {
	clock := &fakeClock{}
	loop := newFakeLoop()
	reg := NewRegistry(clock, loop)
	called := false
	id := reg.Set(time.Hour, false, func([]any) { called = true }, nil)
	reg.Clear(id)
	if called {
		t.Fatal("callback ran before Clear was even able to take effect")
	}
	if loop.interest != 0 {
		t.Errorf("interest after Clear = %d, want 0", loop.interest)
	}
	// Clearing again, or clearing an unknown id, is a no-op.
	reg.Clear(id)
	reg.Clear(ID(9999))
	if loop.interest != 0 {
		t.Errorf("interest after double-clear = %d, want 0", loop.interest)
	}
}

func TestRepeatingTimerStaysQueuedAcrossRuns(t *testing.T) {
	clock := &fakeClock{}
	loop := newFakeLoop()
	reg := NewRegistry(clock, loop)
	count := 0
	reg.Set(time.Millisecond, true, func([]any) { count++ }, nil)
	task := loop.queued[0]

	for i := 0; i < 3; i++ {
		again := task.Run()
		if !again {
			t.Fatalf("repeating timer Run() returned false on iteration %d", i)
		}
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if loop.interest != 1 {
		t.Errorf("interest while repeating timer is alive = %d, want 1", loop.interest)
	}
}
