package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
)

func ptr[T any](v T) *T { return &v }

func TestResolvePolicy_Defaults(t *testing.T) {
	res, err := ResolvePolicy(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), res.Policy)
	assert.Equal(t, converge.ScopeBuiltin, res.Scope)
	assert.Empty(t, res.Diagnostics)
}

func TestResolvePolicy_ModuleOverridesRuntime(t *testing.T) {
	runtime := &PolicyOverrides{
		ConcurrencyLimit:             ptr(Bounded(4)),
		LosslessBackpressureCapacity: ptr(32),
	}
	module := &PolicyOverrides{
		ConcurrencyLimit: ptr(Bounded(2)),
		PressureWarningThreshold: &PressureOverrides{
			BacklogDurationMs: ptr(250),
		},
	}
	res, err := ResolvePolicy(runtime, module)
	require.NoError(t, err)

	assert.Equal(t, Bounded(2), res.Policy.ConcurrencyLimit)
	assert.Equal(t, converge.ScopeModule, res.Scope)
	assert.Equal(t, 32, res.Policy.LosslessBackpressureCapacity)
	assert.Equal(t, 250*time.Millisecond, res.Policy.PressureWarningThreshold.BacklogDuration)
	assert.Equal(t, DefaultPressureBacklogCount, res.Policy.PressureWarningThreshold.BacklogCount)
}

func TestResolvePolicy_UnboundedRequiresOptIn(t *testing.T) {
	res, err := ResolvePolicy(&PolicyOverrides{ConcurrencyLimit: ptr(Unlimited)}, nil)
	require.NoError(t, err)

	assert.Equal(t, Bounded(DefaultConcurrencyLimit), res.Policy.ConcurrencyLimit)
	require.Len(t, res.Diagnostics, 1)
	d := res.Diagnostics[0]
	assert.Equal(t, diag.CodeUnboundedRequiresOptIn, d.Code)
	assert.Equal(t, diag.SeverityWarning, d.Severity)
	assert.Equal(t, DefaultConcurrencyLimit, d.Details["effectiveLimit"])
	assert.Equal(t, "runtime", d.Details["configScope"])
}

func TestResolvePolicy_UnboundedWithOptIn(t *testing.T) {
	res, err := ResolvePolicy(
		&PolicyOverrides{AllowUnbounded: ptr(true)},
		&PolicyOverrides{ConcurrencyLimit: ptr(Unlimited)},
	)
	require.NoError(t, err)
	assert.True(t, res.Policy.ConcurrencyLimit.Unbounded)
	assert.Equal(t, converge.ScopeModule, res.Scope)
	assert.Empty(t, res.Diagnostics)
}

func TestResolvePolicy_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		module  *PolicyOverrides
		wantErr string
	}{
		{"zero limit", &PolicyOverrides{ConcurrencyLimit: ptr(Bounded(0))}, "concurrencyLimit must be >= 1"},
		{"zero capacity", &PolicyOverrides{LosslessBackpressureCapacity: ptr(0)}, "losslessBackpressureCapacity must be >= 1"},
		{"zero streak", &PolicyOverrides{MaxUrgentStreak: ptr(0)}, "maxUrgentStreak must be >= 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolvePolicy(nil, tt.module)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "module policy overrides")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLimit_DecodeYAML(t *testing.T) {
	var o PolicyOverrides
	require.NoError(t, yaml.Unmarshal([]byte("concurrencyLimit: unbounded\nallowUnbounded: true\n"), &o))
	require.NotNil(t, o.ConcurrencyLimit)
	assert.True(t, o.ConcurrencyLimit.Unbounded)
	assert.True(t, *o.AllowUnbounded)

	o = PolicyOverrides{}
	require.NoError(t, yaml.Unmarshal([]byte("concurrencyLimit: 8\nnonUrgentMaxLagMs: 50\n"), &o))
	assert.Equal(t, Bounded(8), *o.ConcurrencyLimit)
	assert.Equal(t, 50, *o.NonUrgentMaxLagMs)

	err := yaml.Unmarshal([]byte("concurrencyLimit: lots\n"), &o)
	assert.ErrorContains(t, err, "positive integer")
}

func TestLimit_JSONRoundTrip(t *testing.T) {
	for _, l := range []Limit{Bounded(3), Unlimited} {
		data, err := json.Marshal(l)
		require.NoError(t, err)
		var got Limit
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, l, got)
	}
	assert.Equal(t, "unbounded", Unlimited.String())
	assert.Equal(t, "3", Bounded(3).String())
}

func TestPolicy_LaneConfig(t *testing.T) {
	cfg := DefaultPolicy().laneConfig()
	assert.Equal(t, DefaultLosslessBackpressureCapacity, cfg.capacity)
	assert.Equal(t, DefaultMaxUrgentStreak, cfg.maxUrgentStreak)
	assert.Equal(t, DefaultNonUrgentMaxLag, cfg.maxLag)
	assert.Equal(t, DefaultPressureBacklogCount, cfg.pressureCount)
	assert.Equal(t, DefaultPressureBacklogDuration, cfg.pressureAfter)
}
