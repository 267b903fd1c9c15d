// Package resource implements the RAII-style ownership primitives that
// everything above it in the core builds on: a [Resource] owns a host
// handle and releases it exactly once, and a [Pollable] is a Resource
// that can be waited on by the event loop's poll step.
//
// There is no real WASI 0.2 handle table in this reimplementation — "releasing a handle" means running a Go closure that
// tears down whatever local state (a goroutine, a net.Conn, a timer)
// backs the resource.
package resource

import "sync"

// Releaser tears down whatever backs a Resource. It must be idempotent
// from the Resource's point of view: Resource.Close only ever calls it
// once, but a Releaser is free to be defensive on its own.
type Releaser func()

// Resource owns a releasable handle. The zero value is not valid; use
// [New]. A Resource must not be copied — pass by pointer — matching the
// move-only ownership the original C++ RAII type enforces at compile
// time; we enforce it at runtime instead via the closed flag.
type Resource struct {
	mu       sync.Mutex
	closed   bool
	release  Releaser
	children []*Resource
}

// New creates a Resource that calls release exactly once when closed.
// release may be nil for resources with nothing to tear down.
func New(release Releaser) *Resource {
	return &Resource{release: release}
}

// Valid reports whether the resource has not yet been closed. A moved-
// from or already-closed resource reports false.
func (r *Resource) Valid() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

// Adopt registers a child resource to be closed when this resource is
// closed, modeling a Body owning its stream handle and cached pollable.
func (r *Resource) Adopt(child *Resource) {
	if r == nil || child == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		child.Close()
		return
	}
	r.children = append(r.children, child)
}

// Close releases the resource and all adopted children. Double-close is
// a no-op, matching the body-close invariant.
func (r *Resource) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	release := r.release
	children := r.children
	r.children = nil
	r.mu.Unlock()

	for _, c := range children {
		c.Close()
	}
	if release != nil {
		release()
	}
}
