package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gauge tracks concurrent entries and the highest value seen.
type gauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

func TestExecutor_GoRespectsLimit(t *testing.T) {
	x := NewExecutor(Bounded(3))
	assert.Equal(t, 3, x.Limit())

	var g gauge
	for range 20 {
		x.Go(context.Background(), func(context.Context) error {
			g.enter()
			defer g.leave()
			time.Sleep(2 * time.Millisecond)
			return nil
		})
	}
	require.NoError(t, x.Wait())

	assert.LessOrEqual(t, g.peak.Load(), int64(3))
	assert.LessOrEqual(t, x.Peak(), int64(3))
	assert.Equal(t, int64(0), x.InFlight())
}

func TestExecutor_GoKeepsFirstError(t *testing.T) {
	x := NewExecutor(Bounded(1))
	boom := errors.New("boom")
	x.Go(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, x.Wait(), boom)

	x.Go(context.Background(), func(context.Context) error { return errors.New("later") })
	assert.ErrorIs(t, x.Wait(), boom)
}

func TestExecutor_GoCancelledWhileWaitingForSlot(t *testing.T) {
	x := NewExecutor(Bounded(1))
	release := make(chan struct{})
	x.Go(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.Eventually(t, func() bool { return x.InFlight() == 1 }, eventually, tick)

	ctx, cancel := context.WithCancel(context.Background())
	ran := atomic.Bool{}
	x.Go(ctx, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	cancel()
	close(release)

	assert.ErrorIs(t, x.Wait(), context.Canceled)
	assert.False(t, ran.Load())
}

func TestExecutor_UnboundedHasNoSemaphore(t *testing.T) {
	x := NewExecutor(Unlimited)
	assert.Equal(t, 0, x.Limit())

	var wg sync.WaitGroup
	wg.Add(8)
	for range 8 {
		x.Go(context.Background(), func(context.Context) error {
			wg.Done()
			wg.Wait() // every task must be running at once
			return nil
		})
	}
	require.NoError(t, x.Wait())
	assert.Equal(t, int64(8), x.Peak())
}

func TestExecutor_NestedFanOutMultiplies(t *testing.T) {
	x := NewExecutor(Bounded(16))
	var g gauge

	err := x.ForEach(context.Background(), 4, 2, func(ctx context.Context, _ int) error {
		return x.ForEach(ctx, 4, 2, func(context.Context, int) error {
			g.enter()
			defer g.leave()
			time.Sleep(2 * time.Millisecond)
			return nil
		})
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, g.peak.Load(), int64(4))
}

func TestExecutor_NestedFanOutAtInstanceLimit(t *testing.T) {
	x := NewExecutor(Bounded(2))
	var g gauge

	err := x.ForEach(context.Background(), 4, 0, func(ctx context.Context, _ int) error {
		return x.ForEach(ctx, 4, 0, func(context.Context, int) error {
			g.enter()
			defer g.leave()
			time.Sleep(2 * time.Millisecond)
			return nil
		})
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, g.peak.Load(), int64(4))
}

func TestExecutor_ForEachCappedByInstanceLimit(t *testing.T) {
	x := NewExecutor(Bounded(2))
	var g gauge

	err := x.ForEach(context.Background(), 20, 100, func(context.Context, int) error {
		g.enter()
		defer g.leave()
		time.Sleep(2 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, g.peak.Load(), int64(2))
}

func TestExecutor_ForEachUnboundedKeepsExplicitLimit(t *testing.T) {
	x := NewExecutor(Unlimited)

	var wg sync.WaitGroup
	wg.Add(6)
	err := x.ForEach(context.Background(), 6, 6, func(context.Context, int) error {
		wg.Done()
		wg.Wait() // all six must run at once
		return nil
	})
	require.NoError(t, err)
}

func TestExecutor_ForEachStopsOnFirstError(t *testing.T) {
	x := NewExecutor(Bounded(1))
	boom := errors.New("boom")
	var calls atomic.Int64

	err := x.ForEach(context.Background(), 10, 0, func(_ context.Context, i int) error {
		calls.Add(1)
		if i == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(3), calls.Load())
}

func TestExecutor_LoadSharesConcurrentCalls(t *testing.T) {
	x := NewExecutor(Bounded(4))
	release := make(chan struct{})
	var calls atomic.Int64

	type result struct {
		v      any
		shared bool
		err    error
	}
	results := make(chan result, 3)
	var started sync.WaitGroup
	started.Add(3)
	for range 3 {
		go func() {
			started.Done()
			v, shared, err := x.Load(context.Background(), "quotes|A-1", func() (any, error) {
				calls.Add(1)
				<-release
				return "q", nil
			})
			results <- result{v, shared, err}
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, eventually, tick)
	time.Sleep(20 * time.Millisecond)
	close(release)

	for range 3 {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, "q", r.v)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestExecutor_LoadRecoversPanic(t *testing.T) {
	x := NewExecutor(Bounded(1))
	_, _, err := x.Load(context.Background(), "k", func() (any, error) {
		panic("loader exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loader exploded")
}
