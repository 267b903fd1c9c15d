// Package timers implements setTimeout/setInterval/clearTimeout/
// clearInterval as ordinary eventloop.Loop AsyncTasks,
// grounded on internal/scheduler.Scheduler's time.AfterFunc timer-map
// pattern, adapted from cron-style scheduling to one-shot/repeat
// callback semantics.
package timers

import (
	"sync"
	"time"

	"github.com/bytecodealliance/starling-go/internal/hostapi"
)

// Loop is the subset of eventloop.Loop that a TimerTask needs. Modeled as
// an interface so this package does not import internal/eventloop
// directly; internal/globals wires a real *eventloop.Loop in, which
// already implements this shape.
type Loop interface {
	Queue(t Task) any
	Cancel(handle any)
	IncrInterest()
	DecrInterest()
}

// Task mirrors asynctask.Task's shape; declared locally since timers only
// needs the method set, not the eventloop/asynctask packages themselves.
type Task interface {
	Pollable() hostapi.Pollable
	Deadline() time.Time
	Run() bool
	Cancel()
}

// ID is an opaque timer handle as returned by setTimeout/setInterval,
// unique within the Registry that issued it.
type ID uint64

// Registry tracks live timers by ID so clearTimeout/clearInterval can
// cancel them, and owns the clock used to schedule deadlines.
type Registry struct {
	clock hostapi.Clock
	loop  Loop

	mu     sync.Mutex
	nextID uint64
	tasks  map[ID]*timerTask
}

// NewRegistry constructs a Registry bound to clock and loop.
func NewRegistry(clock hostapi.Clock, loop Loop) *Registry {
	return &Registry{clock: clock, loop: loop, tasks: make(map[ID]*timerTask)}
}

type timerTask struct {
	reg      *Registry
	id       ID
	delay    time.Duration
	repeat   bool
	callback func(args []any)
	args     []any
	handle   any

	mu       sync.Mutex
	deadline time.Time
	pollable hostapi.Pollable
}

// Set schedules callback to run after delay (repeat=false for
// setTimeout, true for setInterval). Negative delays clamp to zero.
// A zero-delay timer is
// still subscribed through the clock and processed only after the
// current microtask drain, not called inline.
func (r *Registry) Set(delay time.Duration, repeat bool, callback func(args []any), args []any) ID {
	if delay < 0 {
		delay = 0
	}
	r.mu.Lock()
	r.nextID++
	id := ID(r.nextID)
	r.mu.Unlock()

	t := &timerTask{reg: r, id: id, delay: delay, repeat: repeat, callback: callback, args: args}
	t.arm()

	r.loop.IncrInterest()
	t.handle = r.loop.Queue(t)

	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()
	return id
}

func (t *timerTask) arm() {
	t.mu.Lock()
	t.deadline = time.Now().Add(t.delay)
	t.pollable = t.reg.clock.Subscribe(t.deadline)
	t.mu.Unlock()
}

// Clear cancels the timer identified by id, if still live: clearTimeout/
// clearInterval look it up and cancel it. Clearing an
// unknown or already-fired id is a no-op.
func (r *Registry) Clear(id ID) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.loop.Cancel(t.handle)
}

func (t *timerTask) Pollable() hostapi.Pollable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollable
}

func (t *timerTask) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Run invokes the callback. If repeat is set, it re-arms with a freshly
// computed deadline and stays queued; otherwise it returns
// false so the loop removes it and calls Cancel, releasing interest.
func (t *timerTask) Run() bool {
	t.callback(t.args)

	if !t.repeat {
		t.reg.mu.Lock()
		delete(t.reg.tasks, t.id)
		t.reg.mu.Unlock()
		return false
	}
	t.arm()
	return true
}

// Cancel releases the timer's clock subscription and loop interest. The
// loop guarantees this is called exactly once per task lifetime, whether
// the timer ran to completion or was cleared early.
func (t *timerTask) Cancel() {
	t.mu.Lock()
	p := t.pollable
	t.mu.Unlock()
	if p != nil {
		p.Close()
	}
	t.reg.loop.DecrInterest()
}
