package engine

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/statekernel/internal/compiler"
)

// queued is one admitted transaction waiting for the run loop.
type queued struct {
	txn     Txn
	reload  *compiler.Program // set for reload transactions
	barrier bool              // commits nothing; see Engine.Settle
	arrival uint64            // admission order across both lanes
	at      time.Time
	result  chan TxnResult // buffered, size 1
}

func newQueued(txn Txn) *queued {
	return &queued{txn: txn, result: make(chan TxnResult, 1)}
}

// pressureEvent describes a backpressure episode.
type pressureEvent struct {
	Reason   string // "backlog_count" or "backlog_duration"
	Queued   int
	Waiting  int
	Capacity int
	Blocked  time.Duration
}

// laneConfig is the queue's slice of the concurrency policy.
type laneConfig struct {
	capacity        int // lossless backpressure capacity; <= 0 means unbounded
	maxUrgentStreak int
	maxLag          time.Duration
	pressureCount   int
	pressureAfter   time.Duration
}

// txnQueue holds admitted transactions in two lanes.
//
// Dequeue order:
//   - urgent before non-urgent;
//   - except that the oldest non-urgent transaction goes next once
//     maxUrgentStreak urgent transactions were dequeued while it waited, or
//     once it waited longer than maxLag, provided it was admitted before the
//     urgent head. An urgent transaction therefore always starts before any
//     non-urgent transaction admitted after it.
//
// Admission is lossless: at capacity, Enqueue blocks until space frees or the
// caller's context ends. Nothing is ever dropped.
//
// Thread-safety: Enqueue may be called from any goroutine. The run loop is
// the only consumer.
type txnQueue struct {
	mu        sync.Mutex
	cfg       laneConfig
	urgent    []*queued
	nonUrgent []*queued
	arrivals  uint64
	streak    int // urgent dequeues while non-urgent work waited
	waiting   int // callers blocked on capacity
	pressured bool
	closed    bool

	signal chan struct{} // work available (buffered, size 1)
	space  chan struct{} // closed and replaced whenever a slot frees

	now        func() time.Time
	onPressure func(pressureEvent)
}

func newTxnQueue(cfg laneConfig, now func() time.Time, onPressure func(pressureEvent)) *txnQueue {
	if onPressure == nil {
		onPressure = func(pressureEvent) {}
	}
	return &txnQueue{
		cfg:        cfg,
		signal:     make(chan struct{}, 1),
		space:      make(chan struct{}),
		now:        now,
		onPressure: onPressure,
	}
}

// Enqueue admits it, blocking while the queue is at capacity.
// Returns a QUEUE_CLOSED TxnError once the queue is closed, or ctx.Err().
func (q *txnQueue) Enqueue(ctx context.Context, it *queued) error {
	var (
		blockedAt time.Time
		timer     *time.Timer
		timeout   <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.closed {
			if !blockedAt.IsZero() {
				q.waiting--
			}
			q.mu.Unlock()
			return errQueueClosed(it.txn.Label)
		}

		if q.cfg.capacity <= 0 || q.lenLocked() < q.cfg.capacity {
			if !blockedAt.IsZero() {
				q.waiting--
			}
			q.arrivals++
			it.arrival = q.arrivals
			it.at = q.now()
			if it.txn.Lane == LaneUrgent {
				q.urgent = append(q.urgent, it)
			} else {
				q.nonUrgent = append(q.nonUrgent, it)
			}
			ev, fire := q.countPressureLocked()
			select {
			case q.signal <- struct{}{}:
			default:
			}
			q.mu.Unlock()
			if fire {
				q.onPressure(ev)
			}
			return nil
		}

		if blockedAt.IsZero() {
			blockedAt = q.now()
			q.waiting++
			if q.cfg.pressureAfter > 0 {
				timer = time.NewTimer(q.cfg.pressureAfter)
				timeout = timer.C
			}
		}
		space := q.space
		ev, fire := q.countPressureLocked()
		q.mu.Unlock()
		if fire {
			q.onPressure(ev)
		}

		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.waiting--
			q.mu.Unlock()
			return ctx.Err()
		case <-space:
		case <-timeout:
			timeout = nil
			q.mu.Lock()
			fire := !q.pressured
			q.pressured = true
			ev := pressureEvent{
				Reason:   "backlog_duration",
				Queued:   q.lenLocked(),
				Waiting:  q.waiting,
				Capacity: q.cfg.capacity,
				Blocked:  q.now().Sub(blockedAt),
			}
			q.mu.Unlock()
			if fire {
				q.onPressure(ev)
			}
		}
	}
}

// countPressureLocked starts a pressure episode when the backlog (queued plus
// blocked callers) reaches the count threshold.
func (q *txnQueue) countPressureLocked() (pressureEvent, bool) {
	if q.pressured || q.cfg.pressureCount <= 0 {
		return pressureEvent{}, false
	}
	if q.lenLocked()+q.waiting < q.cfg.pressureCount {
		return pressureEvent{}, false
	}
	q.pressured = true
	return pressureEvent{
		Reason:   "backlog_count",
		Queued:   q.lenLocked(),
		Waiting:  q.waiting,
		Capacity: q.cfg.capacity,
	}, true
}

// TryDequeue removes the next transaction without blocking.
func (q *txnQueue) TryDequeue() (*queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it *queued
	switch {
	case len(q.urgent) == 0 && len(q.nonUrgent) == 0:
		return nil, false
	case len(q.urgent) == 0:
		it, q.nonUrgent = pop(q.nonUrgent)
		q.streak = 0
	case len(q.nonUrgent) == 0:
		it, q.urgent = pop(q.urgent)
		q.streak = 0
	case q.promoteLocked():
		it, q.nonUrgent = pop(q.nonUrgent)
		q.streak = 0
	default:
		it, q.urgent = pop(q.urgent)
		q.streak++
	}

	if !q.closed {
		close(q.space)
		q.space = make(chan struct{})
	}
	if q.pressured && q.lenLocked()+q.waiting < max(q.cfg.pressureCount, 1) {
		q.pressured = false
	}
	return it, true
}

// promoteLocked reports whether the oldest non-urgent transaction must run
// before the urgent head. Both lanes are non-empty.
func (q *txnQueue) promoteLocked() bool {
	head := q.nonUrgent[0]
	if head.arrival > q.urgent[0].arrival {
		return false
	}
	if q.cfg.maxUrgentStreak > 0 && q.streak >= q.cfg.maxUrgentStreak {
		return true
	}
	return q.cfg.maxLag > 0 && q.now().Sub(head.at) >= q.cfg.maxLag
}

func pop(s []*queued) (*queued, []*queued) {
	it := s[0]
	s[0] = nil
	if len(s) == 1 {
		return it, s[:0]
	}
	return it, s[1:]
}

// Wait returns a channel signalling that work may be available. It is
// closed when the queue closes.
func (q *txnQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued transactions.
func (q *txnQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// LaneLen returns the number of queued transactions in lane.
func (q *txnQueue) LaneLen(lane Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane == LaneUrgent {
		return len(q.urgent)
	}
	return len(q.nonUrgent)
}

func (q *txnQueue) lenLocked() int {
	return len(q.urgent) + len(q.nonUrgent)
}

// Close stops admission and wakes the run loop and blocked callers.
func (q *txnQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	close(q.space)
}

// Drain removes every queued transaction, in admission order.
func (q *txnQueue) Drain() []*queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queued, 0, q.lenLocked())
	out = append(out, q.urgent...)
	out = append(out, q.nonUrgent...)
	q.urgent, q.nonUrgent = nil, nil
	slices.SortFunc(out, func(a, b *queued) int { return cmp.Compare(a.arrival, b.arrival) })
	return out
}

// Closed reports whether Close was called.
func (q *txnQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
