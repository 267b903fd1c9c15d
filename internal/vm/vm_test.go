package vm

import (
	"testing"

	"github.com/dop251/goja"
)

func TestDrainMicrotasksRunsQueuedJobs(t *testing.T) {
	r := New()
	if _, err := r.RunScript("t", `
		globalThis.seen = false;
		Promise.resolve(1).then(() => { globalThis.seen = true; });
	`); err != nil {
		t.Fatal(err)
	}
	if err := r.DrainMicrotasks(); err != nil {
		t.Fatal(err)
	}
	if seen := r.Goja().Get("seen"); !seen.ToBoolean() {
		t.Error("promise reaction did not run after DrainMicrotasks")
	}
}

func TestNewPromiseResolvesThroughThen(t *testing.T) {
	r := New()
	promise, resolve, _ := r.NewPromise()
	r.Goja().Set("p", promise)
	if _, err := r.RunScript("t", `
		globalThis.result = null;
		p.then((v) => { globalThis.result = v; });
	`); err != nil {
		t.Fatal(err)
	}
	resolve("hello")
	if err := r.DrainMicrotasks(); err != nil {
		t.Fatal(err)
	}
	if got := r.Goja().Get("result").String(); got != "hello" {
		t.Errorf("result = %q, want %q", got, "hello")
	}
}

func TestToAwaitableBridgesResolution(t *testing.T) {
	r := New()
	v, err := r.RunScript("t", `Promise.resolve(42)`)
	if err != nil {
		t.Fatal(err)
	}
	aw, err := r.ToAwaitable(v)
	if err != nil {
		t.Fatal(err)
	}

	var resolved any
	aw.OnSettle(func(val any) { resolved = val }, func(err error) { t.Errorf("unexpected reject: %v", err) })
	if err := r.DrainMicrotasks(); err != nil {
		t.Fatal(err)
	}
	n, ok := resolved.(int64)
	if !ok || n != 42 {
		t.Errorf("resolved = %#v, want int64(42)", resolved)
	}
}

func TestToAwaitableBridgesRejection(t *testing.T) {
	r := New()
	v, err := r.RunScript("t", `Promise.reject(new Error("boom"))`)
	if err != nil {
		t.Fatal(err)
	}
	aw, err := r.ToAwaitable(v)
	if err != nil {
		t.Fatal(err)
	}

	var rejectErr error
	aw.OnSettle(func(any) { t.Error("unexpected resolve") }, func(err error) { rejectErr = err })
	if err := r.DrainMicrotasks(); err != nil {
		t.Fatal(err)
	}
	if rejectErr == nil || rejectErr.Error() != "boom" {
		t.Errorf("rejectErr = %v, want \"boom\"", rejectErr)
	}
}

func TestToAwaitableNonThenableReturnsError(t *testing.T) {
	r := New()
	_, err := r.ToAwaitable(r.Goja().ToValue("plain string"))
	if err != ErrNotThenable {
		t.Errorf("err = %v, want ErrNotThenable", err)
	}
}

func TestThrowTypeErrorPanicsWithGojaTypeError(t *testing.T) {
	r := New()
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic")
		}
		obj, ok := rec.(*goja.Object)
		if !ok {
			t.Fatalf("recovered %T, want *goja.Object", rec)
		}
		if name := obj.Get("name"); name == nil || name.String() != "TypeError" {
			t.Errorf("recovered error name = %v, want TypeError", name)
		}
	}()
	r.ThrowTypeError("bad argument: %d", 1)
}
