package engine

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/roach88/statekernel/internal/diag"
	"github.com/roach88/statekernel/internal/state"
)

// Selector projects a committed snapshot to the value a subscriber watches.
// It must be pure and read only what it returns.
type Selector func(s *state.Snapshot) any

type subscription struct {
	id  int
	fn  func(Commit)
	sel Selector
	on  func(v any, c Commit)

	// Delivery goroutine only.
	last        any
	windowStart time.Time
	changes     int
	warned      bool
}

// Subscribe calls fn with every commit, in txnSeq order, on the delivery
// host. The returned func cancels the subscription.
func (e *Engine) Subscribe(fn func(Commit)) (cancel func()) {
	return e.addSub(&subscription{fn: fn})
}

// SubscribeSelector calls fn when sel's value changes between commits
// (reflect.DeepEqual). The value at subscription time is the baseline and is
// not delivered.
//
// A selector that changes more than the configured limit within one window
// reports process::selector_high_frequency once per window.
func (e *Engine) SubscribeSelector(sel Selector, fn func(v any, c Commit)) (cancel func()) {
	return e.addSub(&subscription{sel: sel, on: fn, last: sel(e.Snapshot())})
}

func (e *Engine) addSub(s *subscription) func() {
	e.subMu.Lock()
	e.nextSubID++
	s.id = e.nextSubID
	e.subs = append(e.subs, s)
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		e.subs = slices.DeleteFunc(e.subs, func(x *subscription) bool { return x == s })
	}
}

// notify delivers c to the subscribers registered at delivery time.
func (e *Engine) notify(c Commit) {
	e.subMu.Lock()
	subs := slices.Clone(e.subs)
	e.subMu.Unlock()

	for _, s := range subs {
		if s.sel == nil {
			s.fn(c)
			continue
		}
		v := s.sel(c.Snapshot)
		if reflect.DeepEqual(v, s.last) {
			continue
		}
		s.last = v
		e.trackSelector(s, c.TxnSeq)
		s.on(v, c)
	}
}

func (e *Engine) trackSelector(s *subscription, seq int64) {
	now := e.now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= e.selWindow {
		s.windowStart = now
		s.changes = 0
		s.warned = false
	}
	s.changes++
	if s.changes <= e.selLimit || s.warned {
		return
	}
	s.warned = true
	e.emit(diag.Diagnostic{
		Code:     diag.CodeSelectorHighFrequency,
		Severity: diag.SeverityWarning,
		Message:  fmt.Sprintf("selector changed %d times within %s", s.changes, e.selWindow),
		TxnSeq:   seq,
		Details: map[string]any{
			"subscription": s.id,
			"changes":      s.changes,
			"limit":        e.selLimit,
			"windowMs":     e.selWindow.Milliseconds(),
		},
	})
}
