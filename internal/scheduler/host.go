package scheduler

import (
	"context"
	"sync"
)

// Host runs scheduler callbacks. Microtasks run before the host yields to
// anything else; macrotasks run after pending microtasks and may be
// interleaved with other host work.
type Host interface {
	Microtask(fn func())
	Macrotask(fn func())
}

// LoopHost is a single-goroutine Host. Run drains every pending microtask,
// then runs one macrotask, and repeats.
//
// Thread-safety: Microtask and Macrotask may be called from any goroutine.
// Callbacks run on the Run goroutine only.
type LoopHost struct {
	mu     sync.Mutex
	micro  []func()
	macro  []func()
	closed bool
	signal chan struct{} // buffered, size 1
}

// NewLoopHost creates an idle loop host.
func NewLoopHost() *LoopHost {
	return &LoopHost{signal: make(chan struct{}, 1)}
}

// Microtask queues fn on the fast path. Dropped after Close.
func (h *LoopHost) Microtask(fn func()) { h.push(fn, true) }

// Macrotask queues fn behind pending microtasks. Dropped after Close.
func (h *LoopHost) Macrotask(fn func()) { h.push(fn, false) }

func (h *LoopHost) push(fn func(), micro bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if micro {
		h.micro = append(h.micro, fn)
	} else {
		h.macro = append(h.macro, fn)
	}
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// next pops the next callback: microtasks first.
func (h *LoopHost) next() (func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.micro) > 0 {
		fn := h.micro[0]
		h.micro[0] = nil
		h.micro = h.micro[1:]
		return fn, true
	}
	if len(h.macro) > 0 {
		fn := h.macro[0]
		h.macro[0] = nil
		h.macro = h.macro[1:]
		return fn, true
	}
	return nil, false
}

// Run executes callbacks until ctx is cancelled or the host is closed and
// drained.
func (h *LoopHost) Run(ctx context.Context) error {
	for {
		if fn, ok := h.next(); ok {
			fn()
			continue
		}
		h.mu.Lock()
		done := h.closed
		h.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.signal:
		}
	}
}

// Close stops accepting callbacks. Run returns once pending ones finish.
func (h *LoopHost) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// ManualHost queues callbacks until the test steps it.
//
// Thread-safety: safe for concurrent use; callbacks run on the stepping
// goroutine.
type ManualHost struct {
	mu    sync.Mutex
	micro []func()
	macro []func()

	// MicrotasksRun and MacrotasksRun count executed callbacks.
	MicrotasksRun int
	MacrotasksRun int
}

// NewManualHost creates an empty manual host.
func NewManualHost() *ManualHost { return &ManualHost{} }

func (h *ManualHost) Microtask(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.micro = append(h.micro, fn)
}

func (h *ManualHost) Macrotask(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.macro = append(h.macro, fn)
}

// Pending returns the number of queued microtasks and macrotasks.
func (h *ManualHost) Pending() (micro, macro int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.micro), len(h.macro)
}

// Step runs one callback, microtasks first. Returns false when idle.
func (h *ManualHost) Step() bool {
	h.mu.Lock()
	var fn func()
	switch {
	case len(h.micro) > 0:
		fn, h.micro = h.micro[0], h.micro[1:]
		h.MicrotasksRun++
	case len(h.macro) > 0:
		fn, h.macro = h.macro[0], h.macro[1:]
		h.MacrotasksRun++
	}
	h.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// RunUntilIdle steps until nothing is queued or limit callbacks ran.
// Returns the number of callbacks run.
func (h *ManualHost) RunUntilIdle(limit int) int {
	n := 0
	for n < limit && h.Step() {
		n++
	}
	return n
}
