package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Executor runs background work for one engine instance under the
// concurrency policy.
//
//   - Go starts a task holding one of the instance's ConcurrencyLimit slots.
//   - ForEach fans work out with its own limit, never above the instance
//     limit. Nested fan-outs multiply: an outer limit of 2 over inner limits
//     of 2 runs at most 4 inner jobs.
//   - Load collapses concurrent calls with the same key into one.
//
// Thread-safety: safe for concurrent use.
type Executor struct {
	limit int64 // 0 when unbounded
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
	group singleflight.Group

	pending  atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64

	errMu sync.Mutex
	err   error
}

// NewExecutor creates an executor for limit.
func NewExecutor(limit Limit) *Executor {
	x := &Executor{}
	if !limit.Unbounded {
		x.limit = int64(max(limit.N, 1))
		x.sem = semaphore.NewWeighted(x.limit)
	}
	return x
}

// Limit returns the instance-wide slot count; 0 means unbounded.
func (x *Executor) Limit() int { return int(x.limit) }

// Go runs fn on a new goroutine once a slot is free. It never blocks the
// caller. The first error (including a failed slot acquisition) is kept for
// Wait.
func (x *Executor) Go(ctx context.Context, fn func(ctx context.Context) error) {
	x.wg.Add(1)
	x.pending.Add(1)
	go func() {
		defer x.wg.Done()
		defer x.pending.Add(-1)
		if x.sem != nil {
			if err := x.sem.Acquire(ctx, 1); err != nil {
				x.record(err)
				return
			}
			defer x.sem.Release(1)
		}
		x.track(1)
		defer x.track(-1)
		x.record(fn(ctx))
	}()
}

// Wait blocks until every task started by Go has returned and reports the
// first error.
func (x *Executor) Wait() error {
	x.wg.Wait()
	x.errMu.Lock()
	defer x.errMu.Unlock()
	return x.err
}

// ForEach calls fn for i in [0, n) with at most limit calls in flight and
// returns the first error. On a bounded executor limit is capped at the
// instance limit, and limit <= 0 means the instance limit; only an
// unbounded executor runs an uncapped fan-out. The context passed to fn is
// cancelled on first error.
func (x *Executor) ForEach(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) error {
	if x.limit > 0 && (limit <= 0 || limit > int(x.limit)) {
		limit = int(x.limit)
	}
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

// Load runs fn once for all concurrent callers sharing key. shared reports
// whether the result was shared with another caller. A caller whose ctx ends
// first returns ctx.Err() without cancelling the shared call.
func (x *Executor) Load(ctx context.Context, key string, fn func() (any, error)) (v any, shared bool, err error) {
	ch := x.group.DoChan(key, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("load %s panicked: %v", key, r)
			}
		}()
		return fn()
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	}
}

// Pending returns the number of Go tasks started and not yet returned,
// including those waiting for a slot.
func (x *Executor) Pending() int64 { return x.pending.Load() }

// InFlight returns the number of running Go tasks.
func (x *Executor) InFlight() int64 { return x.inflight.Load() }

// Peak returns the highest InFlight observed.
func (x *Executor) Peak() int64 { return x.peak.Load() }

func (x *Executor) track(delta int64) {
	n := x.inflight.Add(delta)
	for {
		p := x.peak.Load()
		if n <= p || x.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (x *Executor) record(err error) {
	if err == nil {
		return
	}
	x.errMu.Lock()
	defer x.errMu.Unlock()
	if x.err == nil {
		x.err = err
	}
}
