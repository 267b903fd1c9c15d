// Package eventloop implements the cooperative scheduler at the heart of
// the runtime: drain JS microtasks to quiescence, poll for
// ready AsyncTasks, run each one, repeat until no interest remains.
// Grounded on internal/scheduler.Scheduler's mutex-protected task
// bookkeeping shape, and on original_source's runtime/event_loop.cpp for
// the "run one ready task, then drain microtasks" algorithm itself.
package eventloop

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bytecodealliance/starling-go/internal/asynctask"
	"github.com/bytecodealliance/starling-go/internal/diagnostics"
	"github.com/bytecodealliance/starling-go/internal/hostapi"
)

// ErrInterestUnderflow is the value DecrInterest panics with when the
// interest count would go negative — decrementing below zero is a fatal
// programming error.
var ErrInterestUnderflow = errors.New("eventloop: interest count underflow")

// ErrUncaughtException is wrapped around a panic value recovered from a
// microtask drain or a top-level Run call, per the "propagates
// JS exceptions".
var ErrUncaughtException = errors.New("eventloop: uncaught exception")

// MicrotaskDrainer advances the JS job queue to quiescence. internal/vm
// implements this; eventloop only depends on the interface so it stays
// independent of the concrete JS engine.
type MicrotaskDrainer interface {
	// DrainMicrotasks runs every queued microtask, including ones
	// enqueued by earlier microtasks in the same drain, until the queue
	// is empty. It returns an error if an uncaught exception escaped a
	// microtask.
	DrainMicrotasks() error
}

// Loop is the event loop. The zero value is not usable; construct with
// New.
type Loop struct {
	poller hostapi.Poller
	vm     MicrotaskDrainer
	bus    *diagnostics.Bus
	logger *slog.Logger

	mu       sync.Mutex
	tasks    map[*taskEntry]struct{}
	interest int
	nextID   uint64
}

type taskEntry struct {
	id   uint64
	task asynctask.Task
}

// Option configures a Loop.
type Option func(*Loop)

// WithDiagnostics attaches a diagnostics bus that receives stall and
// unhandled-rejection reports.
func WithDiagnostics(bus *diagnostics.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New constructs a Loop over the given poller and microtask drainer.
func New(poller hostapi.Poller, vm MicrotaskDrainer, opts ...Option) *Loop {
	l := &Loop{
		poller: poller,
		vm:     vm,
		logger: slog.Default(),
		tasks:  make(map[*taskEntry]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// taskHandle identifies a queued task for Cancel.
type taskHandle struct {
	entry *taskEntry
}

// Queue retains task and registers it for the next poll. It returns a
// handle usable with Cancel.
func (l *Loop) Queue(task asynctask.Task) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e := &taskEntry{id: l.nextID, task: task}
	l.tasks[e] = struct{}{}
	return taskHandle{entry: e}
}

// Cancel removes a queued task, invoking its Cancel method. A handle for
// an already-removed task is a no-op, matching the
// idempotence requirement.
func (l *Loop) Cancel(handle any) {
	h, ok := handle.(taskHandle)
	if !ok || h.entry == nil {
		return
	}
	l.mu.Lock()
	_, present := l.tasks[h.entry]
	delete(l.tasks, h.entry)
	l.mu.Unlock()
	if present {
		h.entry.task.Cancel()
	}
}

// IncrInterest increments the count of outstanding async work keeping
// the loop alive (streaming bodies, timers, waitUntil promises).
func (l *Loop) IncrInterest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interest++
}

// DecrInterest balances a prior IncrInterest. Decrementing below zero
// is a programming error and panics, matching the "decr
// below zero is fatal".
func (l *Loop) DecrInterest() {
	l.mu.Lock()
	if l.interest == 0 {
		l.mu.Unlock()
		panic(ErrInterestUnderflow)
	}
	l.interest--
	l.mu.Unlock()
}

// HasPendingTasks reports whether at least one task is queued.
func (l *Loop) HasPendingTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) > 0
}

func (l *Loop) interestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interest
}

func (l *Loop) snapshotTasks() []*taskEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*taskEntry, 0, len(l.tasks))
	for e := range l.tasks {
		out = append(out, e)
	}
	return out
}

// Run executes the loop until no interest remains (tasks still queued
// at that point are left queued), until interest remains with no task
// queued (a stall, which is reported and ends the run without error),
// or until an uncaught exception escapes a top-level job.
// It returns that exception, wrapped in
// ErrUncaughtException, if one occurs.
func (l *Loop) Run() error {
	for {
		if err := l.drainMicrotasks(); err != nil {
			return err
		}

		if l.interestCount() == 0 {
			return nil
		}

		entries := l.snapshotTasks()
		if len(entries) == 0 {
			l.reportStall()
			return nil
		}

		pollables := make([]hostapi.Pollable, len(entries))
		for i, e := range entries {
			pollables[i] = e.task.Pollable()
		}

		readyIdx := l.poller.Poll(pollables)
		for _, idx := range readyIdx {
			l.runOne(entries[idx])
		}

		if err := l.drainMicrotasks(); err != nil {
			return err
		}
	}
}

func (l *Loop) runOne(e *taskEntry) {
	again := e.task.Run()
	if again {
		return
	}
	l.mu.Lock()
	delete(l.tasks, e)
	l.mu.Unlock()
	e.task.Cancel()
}

func (l *Loop) drainMicrotasks() error {
	if l.vm == nil {
		return nil
	}
	if err := l.vm.DrainMicrotasks(); err != nil {
		return errors.Join(ErrUncaughtException, err)
	}
	return nil
}

func (l *Loop) reportStall() {
	l.logger.Warn("event loop stalled with async work pending", "interest", l.interestCount())
	l.bus.Publish(diagnostics.Record{
		Timestamp: time.Now(),
		Kind:      diagnostics.KindEventLoopStalled,
		Message:   "event loop stalled with async work pending",
		Detail:    map[string]any{"interest": l.interestCount()},
	})
}

// ReportUnhandledRejection publishes a diagnostic for a promise
// rejection that reached the end of a top-level turn with no handler
// attached.
func (l *Loop) ReportUnhandledRejection(reason string) {
	l.logger.Error("unhandled promise rejection", "reason", reason)
	l.bus.Publish(diagnostics.Record{
		Timestamp: time.Now(),
		Kind:      diagnostics.KindUnhandledRejection,
		Message:   "unhandled promise rejection",
		Detail:    map[string]any{"reason": reason},
	})
}

// ReportWaitUntilRejected publishes a diagnostic for a rejected
// waitUntil promise.
func (l *Loop) ReportWaitUntilRejected(reason string) {
	l.logger.Warn("waitUntil promise rejected", "reason", reason)
	l.bus.Publish(diagnostics.Record{
		Timestamp: time.Now(),
		Kind:      diagnostics.KindWaitUntilRejected,
		Message:   "waitUntil promise rejected",
		Detail:    map[string]any{"reason": reason},
	})
}

// ReportHostError publishes a diagnostic for a non-zero host capability
// return, preserving the original error for debugging while the JS
// boundary sees a collapsed TypeError.
func (l *Loop) ReportHostError(operation string, err error) {
	l.logger.Error("host capability error", "operation", operation, "error", err)
	l.bus.Publish(diagnostics.Record{
		Timestamp: time.Now(),
		Kind:      diagnostics.KindHostError,
		Message:   "host capability error: " + operation,
		Detail:    map[string]any{"operation": operation, "error": err.Error()},
	})
}
