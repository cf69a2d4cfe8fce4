package engine

import "sync/atomic"

// Clock issues transaction sequence numbers.
//
// Every commit of an engine instance is stamped with the next value, so
// txnSeq is strictly increasing and gap-free across successful commits.
// Subscribers, evidence and journal records are ordered by it; wall-clock
// time is never used for ordering.
//
// Thread-safety: safe for concurrent use. Only the run loop advances it.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after start, for an instance that
// continues numbering from an earlier journal.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number (0 if none).
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
