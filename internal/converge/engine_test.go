package converge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekernel/internal/ir"
	"github.com/roach88/statekernel/internal/state"
	"github.com/roach88/statekernel/internal/testutil"
)

func run(t *testing.T, e *Engine, seq int64, base *state.Snapshot, ops ...state.Op) (*state.Snapshot, Result) {
	t.Helper()
	d := patched(t, base, ops...)
	dirty := DirtyFromDraft(d, e.Program().Registry, e.cfg.MaxDirtyRoots)
	res := e.Run(context.Background(), seq, d, dirty)
	return d.Commit(seq), res
}

func get(t *testing.T, s *state.Snapshot, path string) any {
	t.Helper()
	v, _ := s.Get(p(path))
	return v
}

func TestEngine_DirtySubset(t *testing.T) {
	prog := compile(t, cartSpec())
	e := New(prog, DefaultConfig(), ScopeBuiltin)

	next, res := run(t, e, 1, cartState(), state.Op{Op: state.OpSet, Path: "tax", Value: 3})

	assert.Equal(t, 18, get(t, next, "total"))
	assert.Equal(t, 18, get(t, next, "display"))

	ev := res.Evidence
	assert.Equal(t, ModeAuto, ev.RequestedMode)
	assert.Equal(t, ModeDirty, ev.ExecutedMode)
	assert.Equal(t, OutcomeConverged, ev.Outcome)
	assert.Equal(t, []Reason{ReasonCacheMiss}, ev.Reasons)
	assert.Equal(t, StepStats{TotalSteps: 5, ExecutedSteps: 2, SkippedSteps: 3, ChangedSteps: 2}, ev.StepStats)
	assert.Equal(t, []string{"tax"}, ev.Dirty.Roots)
	assert.Equal(t, prog.StaticIR.Digest, ev.StaticIRDigest)
	assert.Empty(t, ev.DegradedReasons)

	// Same signature on the next transaction hits the cache.
	_, res = run(t, e, 2, next, state.Op{Op: state.OpSet, Path: "tax", Value: 4})
	assert.Equal(t, []Reason{ReasonCacheHit}, res.Evidence.Reasons)
	assert.True(t, res.Evidence.Cache.Hit)
	assert.Equal(t, int64(1), res.Evidence.Cache.Hits)
}

func TestEngine_RowWritePropagates(t *testing.T) {
	prog := compile(t, cartSpec())
	e := New(prog, DefaultConfig(), ScopeBuiltin)

	next, res := run(t, e, 1, cartState(), state.Op{Op: state.OpSet, Path: "items.0.price", Value: 20})
	assert.Equal(t, 25, get(t, next, "subtotal"))
	assert.Equal(t, 27, get(t, next, "total"))
	assert.Equal(t, 27, get(t, next, "display"))
	assert.Equal(t, 3, res.Evidence.StepStats.ChangedSteps)
}

func TestEngine_FullAndDirtyAgree(t *testing.T) {
	tests := []struct {
		name    string
		spec    *ir.ModuleSpec
		initial func() *state.Snapshot
		patches [][]state.Op
	}{
		{
			name:    "cart",
			spec:    cartSpec(),
			initial: cartState,
			patches: [][]state.Op{
				{{Op: state.OpSet, Path: "tax", Value: 9}},
				{{Op: state.OpSet, Path: "items.1.price", Value: 1}},
				{{Op: state.OpSet, Path: "items.2", Value: map[string]any{"price": 4}}},
				{{Op: state.OpDelete, Path: "items.0"}},
				{{Op: state.OpSet, Path: "items[].price", Value: 3}},
				{{Op: state.OpSet, Path: "name", Value: ""}, {Op: state.OpSet, Path: "tax", Value: 0}},
				{{Op: state.OpSet, Path: "display", Value: -1}, {Op: state.OpSet, Path: "subtotal", Value: 0}},
			},
		},
		{
			name:    "nested writers",
			spec:    nestedSpec(),
			initial: nestedState,
			patches: [][]state.Op{
				{{Op: state.OpSet, Path: "x", Value: 2}},
				{{Op: state.OpSet, Path: "y", Value: 9}},
				{{Op: state.OpSet, Path: "a.n", Value: 0}},
				{{Op: state.OpSet, Path: "a", Value: map[string]any{}}},
				{{Op: state.OpSet, Path: "x", Value: 3}, {Op: state.OpSet, Path: "y", Value: 4}},
			},
		},
	}

	fullCfg := DefaultConfig()
	fullCfg.Mode = ModeFull
	dirtyCfg := DefaultConfig()
	dirtyCfg.Mode = ModeDirty

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := compile(t, tt.spec)
			full := New(prog, fullCfg, ScopeRuntime)
			dirty := New(prog, dirtyCfg, ScopeRuntime)

			fullState, dirtyState := tt.initial(), tt.initial()
			for i, ops := range tt.patches {
				var fr, dr Result
				fullState, fr = run(t, full, int64(i+1), fullState, ops...)
				dirtyState, dr = run(t, dirty, int64(i+1), dirtyState, ops...)

				assert.Equal(t, fullState.Root(), dirtyState.Root(), "patch %d", i)
				assert.Equal(t, ModeFull, fr.Evidence.ExecutedMode)
				assert.Equal(t, OutcomeConverged, dr.Evidence.Outcome)
			}
		})
	}
}

func TestEngine_NestedWriterSurvivesAncestorRewrite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeDirty
	e := New(compile(t, nestedSpec()), cfg, ScopeBuiltin)

	next, res := run(t, e, 1, nestedState(), state.Op{Op: state.OpSet, Path: "x", Value: 2})
	assert.Equal(t, map[string]any{"v": 2, "n": 7}, get(t, next, "a"))
	assert.Equal(t, 2, res.Evidence.StepStats.ExecutedSteps)
}

func TestEngine_DirtyAllRunsFull(t *testing.T) {
	prog := compile(t, cartSpec())
	e := New(prog, DefaultConfig(), ScopeBuiltin)

	d := state.NewDraft(cartState())
	d.Replace(map[string]any{
		"items": []any{map[string]any{"price": 1}},
		"tax":   1,
		"name":  "x",
	})
	res := e.Run(context.Background(), 1, d, DirtyFromDraft(d, prog.Registry, 0))

	assert.Equal(t, ModeFull, res.Evidence.ExecutedMode)
	assert.Equal(t, []Reason{ReasonDirtyAll}, res.Evidence.Reasons)
	assert.True(t, res.Evidence.Dirty.All)
	assert.Equal(t, DirtyUnknownWrite, res.Evidence.Dirty.Reason)

	next := d.Commit(1)
	assert.Equal(t, 2, get(t, next, "total"))
	assert.Equal(t, 2, get(t, next, "display"))
}

func TestEngine_EmptyDirtySetRunsNothing(t *testing.T) {
	prog := compile(t, cartSpec())
	e := New(prog, DefaultConfig(), ScopeBuiltin)

	_, res := run(t, e, 1, cartState(), state.Op{Op: state.OpSet, Path: "notes", Value: "x"})
	assert.Equal(t, []Reason{ReasonDirtyEmpty}, res.Evidence.Reasons)
	assert.Equal(t, 0, res.Evidence.StepStats.ExecutedSteps)
	assert.Equal(t, 5, res.Evidence.StepStats.SkippedSteps)
}

func TestEngine_BudgetCutoff(t *testing.T) {
	clock := testutil.NewManualClock()
	slow := func(deps []any) (any, error) {
		clock.Advance(60 * time.Millisecond)
		n, _ := deps[0].(int)
		return n + 1, nil
	}
	prog := compile(t, &ir.ModuleSpec{
		ID: "chain",
		Fields: []ir.FieldTraits{
			{Path: "a", Computed: &ir.ComputedSpec{Deps: []string{"x"}, Get: slow}},
			{Path: "b", Computed: &ir.ComputedSpec{Deps: []string{"a"}, Get: slow}},
			{Path: "c", Computed: &ir.ComputedSpec{Deps: []string{"b"}, Get: slow}},
		},
	})

	cfg := DefaultConfig()
	cfg.ExecutionBudget = 100 * time.Millisecond
	e := New(prog, cfg, ScopeModule, WithNow(clock.Now))

	base := state.NewSnapshot(map[string]any{"x": 0, "a": 1, "b": 2, "c": 3})
	next, res := run(t, e, 1, base, state.Op{Op: state.OpSet, Path: "x", Value: 10})

	assert.Equal(t, 11, get(t, next, "a"))
	assert.Equal(t, 12, get(t, next, "b"))
	assert.Equal(t, 3, get(t, next, "c"), "step after the cutoff is not applied")

	ev := res.Evidence
	assert.Equal(t, OutcomeDegraded, ev.Outcome)
	assert.Equal(t, map[string]int{DegradedBudgetExceeded: 1}, ev.DegradedReasons)
	assert.Contains(t, ev.Reasons, ReasonBudgetCutoff)
	assert.Equal(t, ScopeModule, ev.ConfigScope)
	assert.Equal(t, StepStats{TotalSteps: 3, ExecutedSteps: 2, SkippedSteps: 1, ChangedSteps: 2}, ev.StepStats)
	assert.Equal(t, int64(120*time.Millisecond/time.Microsecond), ev.DurationMicros)
}

func TestEngine_RuntimeErrorIsIsolated(t *testing.T) {
	boom := func([]any) (any, error) { panic("kaboom") }
	fails := func([]any) (any, error) { return nil, errors.New("bad input") }
	prog := compile(t, &ir.ModuleSpec{
		ID: "faulty",
		Fields: []ir.FieldTraits{
			{Path: "a", Computed: &ir.ComputedSpec{Deps: []string{"x"}, Get: boom}},
			{Path: "b", Computed: &ir.ComputedSpec{Deps: []string{"x"}, Get: fails}},
			{Path: "c", Computed: &ir.ComputedSpec{Deps: []string{"x"}, Get: sum}},
		},
	})
	e := New(prog, DefaultConfig(), ScopeBuiltin)

	base := state.NewSnapshot(map[string]any{"x": 1, "a": "old", "b": "old", "c": 1})
	next, res := run(t, e, 1, base, state.Op{Op: state.OpSet, Path: "x", Value: 5})

	assert.Equal(t, "old", get(t, next, "a"))
	assert.Equal(t, "old", get(t, next, "b"))
	assert.Equal(t, 5, get(t, next, "c"))

	ev := res.Evidence
	assert.Equal(t, OutcomeDegraded, ev.Outcome)
	assert.Equal(t, map[string]int{DegradedRuntimeError: 2}, ev.DegradedReasons)
	assert.Contains(t, ev.Reasons, ReasonStepError)
	assert.Equal(t, 1, ev.StepStats.ExecutedSteps)
	assert.Equal(t, 2, ev.StepStats.SkippedSteps)
}

func TestEngine_CacheBreakerForcesFull(t *testing.T) {
	prog := compile(t, cartSpec())
	cfg := DefaultConfig()
	cfg.Cache = CacheConfig{Capacity: 4, MinSamples: 2, MinHitRate: 1}
	e := New(prog, cfg, ScopeBuiltin)

	s, res := run(t, e, 1, cartState(), state.Op{Op: state.OpSet, Path: "tax", Value: 1})
	assert.Equal(t, []Reason{ReasonCacheMiss}, res.Evidence.Reasons)

	s, res = run(t, e, 2, s, state.Op{Op: state.OpSet, Path: "name", Value: "b"})
	assert.Equal(t, []Reason{ReasonCacheMiss, ReasonCacheDisabled}, res.Evidence.Reasons)
	assert.True(t, res.Evidence.Cache.Disabled)
	assert.Equal(t, DisableReasonLowHitRate, res.Evidence.Cache.DisableReason)

	_, res = run(t, e, 3, s, state.Op{Op: state.OpSet, Path: "tax", Value: 2})
	assert.Equal(t, ModeFull, res.Evidence.ExecutedMode)
	assert.Equal(t, []Reason{ReasonCacheDisabled}, res.Evidence.Reasons)
}

func TestEngine_RebindResetsOnStructuralChange(t *testing.T) {
	prog := compile(t, cartSpec())
	e := New(prog, DefaultConfig(), ScopeBuiltin)
	_, _ = run(t, e, 1, cartState(), state.Op{Op: state.OpSet, Path: "tax", Value: 1})
	require.Equal(t, int64(1), e.Cache().Stats().Misses)

	assert.False(t, e.Rebind(compile(t, cartSpec())), "same structure keeps the generation")
	assert.Equal(t, int64(1), e.Cache().Stats().Misses)

	changed := cartSpec()
	changed.Fields = changed.Fields[:3]
	assert.True(t, e.Rebind(compile(t, changed)))
	stats := e.Cache().Stats()
	assert.Zero(t, stats.Misses)
	assert.Equal(t, e.Program().StaticIR.Digest, stats.Generation)
}

func TestEngine_ChecksAndSourceRefreshes(t *testing.T) {
	prog := compile(t, cartSpec())
	e := New(prog, DefaultConfig(), ScopeBuiltin)

	_, res := run(t, e, 1, cartState(),
		state.Op{Op: state.OpSet, Path: "name", Value: ""},
		state.Op{Op: state.OpSet, Path: "sku", Value: "B-2"},
	)

	require.Len(t, res.TriggeredChecks, 1)
	assert.Equal(t, "name", prog.Checks[res.TriggeredChecks[0]].Path.String())

	require.Len(t, res.SourceRefreshes, 1)
	sr := res.SourceRefreshes[0]
	assert.Equal(t, "quote", sr.Target)
	assert.Equal(t, "quotes", sr.Resource)
	assert.Equal(t, []any{"B-2"}, sr.Key)
}

func TestEvidence_JSONShape(t *testing.T) {
	prog := compile(t, cartSpec())
	e := New(prog, DefaultConfig(), ScopeBuiltin)
	_, res := run(t, e, 7, cartState(), state.Op{Op: state.OpSet, Path: "tax", Value: 3})

	data, err := json.Marshal(res.Evidence)
	require.NoError(t, err)
	assert.Less(t, len(data), 4096)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{
		"txnSeq", "requestedMode", "executedMode", "outcome", "configScope",
		"staticIrDigest", "reasons", "stepStats", "dirty", "cache",
	} {
		assert.Contains(t, decoded, key)
	}
	stats := decoded["stepStats"].(map[string]any)
	assert.Equal(t, float64(5), stats["totalSteps"])
}
