// Package asynctask defines the AsyncTask abstraction: a unit of
// suspended work tied to a single pollable. Rather than open-ended
// subclassing, concrete task kinds (timers, body reads, body-append,
// response futures) each implement the Task interface directly — Go
// interfaces give us the same dispatch the original got from virtual
// functions, without a hand-rolled tagged union.
package asynctask

import (
	"time"

	"github.com/bytecodealliance/starling-go/internal/hostapi"
)

// Task is a unit of suspended work. A Task is queued into an EventLoop,
// selected by the loop's poll step, and resumed via Run.
type Task interface {
	// Pollable returns the handle the event loop should wait on. It is
	// called fresh before every poll, since the set of live tasks
	// changes every iteration.
	Pollable() hostapi.Pollable

	// Deadline returns the absolute time this task should be considered
	// for timeout-ordering purposes, or the zero Time if it has none.
	Deadline() time.Time

	// Run is invoked once the task's pollable is ready. It returns true
	// to remain queued (the task will be polled again), or false to
	// request removal, in which case Cancel is then called.
	Run() (again bool)

	// Cancel releases the task's interest and any resources it holds.
	// Cancel is idempotent.
	Cancel()
}

// Named is implemented by tasks that want to identify themselves in
// diagnostics (stall reports, admin introspection).
type Named interface {
	Name() string
}
