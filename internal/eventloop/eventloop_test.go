package eventloop

import (
	"errors"
	"testing"
	"time"

	"github.com/bytecodealliance/starling-go/internal/hostapi"
)

// fakePoller reports every pollable ready immediately, in order, which
// is sufficient for exercising the loop's bookkeeping without a real
// host.
type fakePoller struct{}

func (fakePoller) Poll(pollables []hostapi.Pollable) []int {
	idx := make([]int, len(pollables))
	for i := range pollables {
		idx[i] = i
	}
	return idx
}

type noopDrainer struct{ err error }

func (d noopDrainer) DrainMicrotasks() error { return d.err }

type countingTask struct {
	runs    int
	limit   int
	cancels int
}

func (t *countingTask) Pollable() hostapi.Pollable { return hostapi.Immediate() }
func (t *countingTask) Deadline() time.Time         { return time.Time{} }
func (t *countingTask) Run() bool {
	t.runs++
	return t.runs < t.limit
}
func (t *countingTask) Cancel() { t.cancels++ }

func TestRunDrainsAndTerminatesWithNoInterest(t *testing.T) {
	l := New(fakePoller{}, noopDrainer{})
	if err := l.Run(); err != nil {
		t.Fatalf("Run() with no interest = %v, want nil", err)
	}
}

func TestQueueRunsTaskUntilDone(t *testing.T) {
	l := New(fakePoller{}, noopDrainer{})
	task := &countingTask{limit: 3}
	l.Queue(task)
	l.IncrInterest()

	// fakePoller marks the task ready on every iteration, so a single
	// Run call drives it until it removes itself; interest is released
	// once the task has been cancelled.
	go func() {
		for task.cancels == 0 {
			time.Sleep(time.Millisecond)
		}
		l.DecrInterest()
	}()

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not terminate")
	}

	if task.runs != 3 {
		t.Errorf("runs = %d, want 3", task.runs)
	}
	if task.cancels != 1 {
		t.Errorf("cancels = %d, want 1", task.cancels)
	}
}

func TestCancelRemovesQueuedTask(t *testing.T) {
	l := New(fakePoller{}, noopDrainer{})
	task := &countingTask{limit: 100}
	h := l.Queue(task)
	l.Cancel(h)

	if l.HasPendingTasks() {
		t.Error("HasPendingTasks() after Cancel = true, want false")
	}
	if task.cancels != 1 {
		t.Errorf("cancels = %d, want 1", task.cancels)
	}

	// Cancelling again must be a no-op, not a double Cancel call.
	l.Cancel(h)
	if task.cancels != 1 {
		t.Errorf("cancels after double Cancel = %d, want 1", task.cancels)
	}
}

func TestDecrInterestBelowZeroPanics(t *testing.T) {
	l := New(fakePoller{}, noopDrainer{})
	defer func() {
		if recover() == nil {
			t.Error("DecrInterest below zero did not panic")
		}
	}()
	l.DecrInterest()
}

func TestRunPropagatesUncaughtException(t *testing.T) {
	wantErr := errors.New("boom")
	l := New(fakePoller{}, noopDrainer{err: wantErr})
	l.IncrInterest()

	err := l.Run()
	if !errors.Is(err, ErrUncaughtException) {
		t.Fatalf("Run() error = %v, want wrapped ErrUncaughtException", err)
	}
}

func TestRunReportsStallWhenInterestWithNoTasks(t *testing.T) {
	l := New(fakePoller{}, noopDrainer{})
	l.IncrInterest()

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil (stall terminates the current request cleanly)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not terminate on stall")
	}
}
