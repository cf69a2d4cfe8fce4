package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{
			Seq: 1, Label: "set-a", Lane: "nonUrgent", Origin: "user",
			Outcome: "Converged", Mode: "dirty", Reasons: []string{"cache_miss"},
			Executed: 1, Skipped: 3, Changed: 1,
			DirtyRoots: []string{"a"},
		},
		{
			Seq: 2, Label: "reload:cart", Lane: "urgent", Origin: "reload",
			Outcome: "Converged", Mode: "full", Reasons: []string{"dirty_all"},
			Executed: 4, DirtyAll: true, ErrorCount: 1,
		},
	}
	r.State = map[string]any{"name": "", "total": 7}
	r.Invalid = map[string]map[string]any{"name": {"name#required": "required"}}
	r.Diagnostics = []DiagnosticEvent{{Code: "converge::plan_cache_disabled", TxnSeq: 2}}
	return r
}

func TestAssertGolden_FromResult(t *testing.T) {
	require.NoError(t, AssertGolden(t, "synthetic_snapshot", syntheticResult()))
}

func TestTraceSnapshot_CanonicalKeyOrder(t *testing.T) {
	snap := NewTraceSnapshot("synthetic_snapshot", syntheticResult())
	data, err := snap.Marshal()
	require.NoError(t, err)

	s := string(data)
	assert.True(t, strings.HasPrefix(s, `{"diagnostics":`))
	assert.Less(t, strings.Index(s, `"invalid"`), strings.Index(s, `"scenario_name"`))
	assert.Less(t, strings.Index(s, `"state"`), strings.Index(s, `"trace"`))
	assert.NotContains(t, s, " ")
	assert.NotContains(t, s, "\n")
}

func TestTraceSnapshot_OmitsEmptyOptionalFields(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "bare",
		Trace: []TraceEvent{{
			Seq: 1, Lane: "urgent", Origin: "user", Outcome: "Converged",
			Mode: "dirty", Reasons: []string{"dirty_empty"},
		}},
	}
	data, err := snap.Marshal()
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, "label")
	assert.NotContains(t, s, "dirty_all")
	assert.NotContains(t, s, "dirty_roots")
	assert.Contains(t, s, `"state":{}`)
	assert.Contains(t, s, `"invalid":{}`)
	assert.Contains(t, s, `"diagnostics":[]`)
}

func TestTraceSnapshot_RejectsFloatState(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "floats",
		State:        map[string]any{"price": 1.5},
	}
	_, err := snap.Marshal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}

func TestCanonicalJSONDeterminism(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "cart_basic.yaml"))
	require.NoError(t, err)

	var outputs [][]byte
	for range 3 {
		result, err := Run(scenario)
		require.NoError(t, err)
		require.True(t, result.Pass, "errors: %v", result.Errors)

		snap := NewTraceSnapshot(scenario.Name, result)
		data, err := snap.Marshal()
		require.NoError(t, err)
		outputs = append(outputs, data)
	}

	assert.Equal(t, string(outputs[0]), string(outputs[1]))
	assert.Equal(t, string(outputs[0]), string(outputs[2]))
}

func TestRunWithGolden_CartReload(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "cart_reload.yaml"))
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
