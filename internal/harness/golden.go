package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/statekernel/internal/ir"
)

// TraceSnapshot captures what a scenario run produced.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	State        map[string]any
	Invalid      map[string]map[string]any
	Diagnostics  []DiagnosticEvent
}

// NewTraceSnapshot captures result under scenarioName.
func NewTraceSnapshot(scenarioName string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		State:        result.State,
		Invalid:      result.Invalid,
		Diagnostics:  result.Diagnostics,
	}
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization. ir.MarshalCanonical only handles maps, slices and
// primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":         ev.Seq,
			"lane":        ev.Lane,
			"origin":      ev.Origin,
			"outcome":     ev.Outcome,
			"mode":        ev.Mode,
			"reasons":     ev.Reasons,
			"executed":    ev.Executed,
			"skipped":     ev.Skipped,
			"changed":     ev.Changed,
			"error_count": ev.ErrorCount,
		}
		if ev.Label != "" {
			m["label"] = ev.Label
		}
		if ev.DirtyAll {
			m["dirty_all"] = true
		}
		if len(ev.DirtyRoots) > 0 {
			m["dirty_roots"] = ev.DirtyRoots
		}
		trace[i] = m
	}

	diags := make([]any, len(s.Diagnostics))
	for i, d := range s.Diagnostics {
		diags[i] = map[string]any{"code": d.Code, "txn_seq": d.TxnSeq}
	}

	invalid := make(map[string]any, len(s.Invalid))
	for path, errs := range s.Invalid {
		invalid[path] = errs
	}

	state := s.State
	if state == nil {
		state = map[string]any{}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"state":         state,
		"invalid":       invalid,
		"diagnostics":   diags,
	}
}

// Marshal renders the snapshot as canonical JSON.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace, final state and
// diagnostics against a golden file stored in
// testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...RunOption) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := NewTraceSnapshot(scenarioName, result)
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
