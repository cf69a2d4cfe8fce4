package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/engine"
	"github.com/roach88/statekernel/internal/state"
	"github.com/roach88/statekernel/internal/validate"
)

const testModule = `module: cart: fields: [
	{path: "total", computed: {deps: ["a", "b"], fn: "sum"}},
	{path: "name", validate: [{name: "required", fn: "required"}]},
]
`

// createTestModule writes a CUE module file into dir and returns its path.
func createTestModule(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(testModule), 0644))
	return path
}

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	createTestModule(t, dir, "cart.cue")

	path := writeScenario(t, dir, `
name: test_scenario
description: "Test scenario for validation"
module: cart.cue
initial: { a: 1, b: 2 }
config:
  runtime:
    converge: { mode: full }
  module:
    policy: { maxUrgentStreak: 4 }
sources:
  quotes: { "A-1": "q" }
steps:
  - label: set-a
    lane: urgent
    patch:
      - { op: set, path: a, value: 5 }
    validate:
      - { target: field, path: name }
    expect:
      outcome: Converged
      reasons: [mode_full]
      state: { total: 7 }
assertions:
  - type: trace_contains
    label: set-a
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.Equal(t, filepath.Join(dir, "cart.cue"), scenario.Module)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, scenario.Initial)
	require.NotNil(t, scenario.Config.Runtime.Converge)
	assert.Equal(t, converge.ModeFull, scenario.Config.Runtime.Converge.Mode)
	require.NotNil(t, scenario.Config.Module.Policy)
	assert.Equal(t, 4, *scenario.Config.Module.Policy.MaxUrgentStreak)
	assert.Equal(t, "q", scenario.Sources["quotes"]["A-1"])

	require.Len(t, scenario.Steps, 1)
	step := scenario.Steps[0]
	assert.Equal(t, engine.LaneUrgent, step.Lane)
	assert.Equal(t, []state.Op{{Op: state.OpSet, Path: "a", Value: 5}}, step.Patch)
	assert.Equal(t, []ValidateStep{{Target: validate.TargetField, Path: "name"}}, step.Validate)
	require.NotNil(t, step.Expect)
	assert.Equal(t, converge.OutcomeConverged, step.Expect.Outcome)
	assert.Equal(t, []converge.Reason{converge.ReasonModeFull}, step.Expect.Reasons)
	assert.Equal(t, 7, step.Expect.State["total"])

	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertTraceContains, scenario.Assertions[0].Type)
}

func TestLoadScenario_TestdataFiles(t *testing.T) {
	for _, name := range []string{"cart_basic.yaml", "cart_reload.yaml"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
			require.NoError(t, err)
			assert.FileExists(t, scenario.Module)
			for _, step := range scenario.Steps {
				if step.Reload != "" {
					assert.FileExists(t, step.Reload)
				}
			}
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	dir := t.TempDir()
	createTestModule(t, dir, "cart.cue")
	path := writeScenario(t, dir, `
name: typo
description: "Unknown top-level key"
module: cart.cue
steps:
  - patch: [{ op: set, path: a, value: 1 }]
assertion:
  - type: trace_count
    count: 1
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_WithBasePath(t *testing.T) {
	dir := t.TempDir()
	modules := filepath.Join(dir, "modules")
	require.NoError(t, os.MkdirAll(modules, 0755))
	createTestModule(t, modules, "cart.cue")

	path := writeScenario(t, t.TempDir(), `
name: based
description: "Module path resolves against the base path"
module: cart.cue
steps:
  - patch: [{ op: set, path: a, value: 1 }]
assertions:
  - type: trace_count
    count: 1
`)

	scenario, err := LoadScenarioWithBasePath(path, modules)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(modules, "cart.cue"), scenario.Module)
}

func TestLoadScenario_Validation(t *testing.T) {
	dir := t.TempDir()
	createTestModule(t, dir, "cart.cue")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "name is required",
		},
		{
			name: "missing description",
			content: `
name: x
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "description is required",
		},
		{
			name: "no module",
			content: `
name: x
description: "x"
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "module or inline is required",
		},
		{
			name: "module and inline",
			content: `
name: x
description: "x"
module: cart.cue
inline: "module: m: fields: []"
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "mutually exclusive",
		},
		{
			name: "module not found",
			content: `
name: x
description: "x"
module: missing.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "module file not found",
		},
		{
			name: "empty steps",
			content: `
name: x
description: "x"
module: cart.cue
steps: []
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "steps list is required",
		},
		{
			name: "empty assertions",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: []
`,
			wantErr: "assertions list is required",
		},
		{
			name: "two drivers",
			content: `
name: x
description: "x"
module: cart.cue
steps:
  - patch: [{ op: set, path: a, value: 1 }]
    writeback: { path: session, value: 1 }
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "steps[0]: patch, writeback and reload are mutually exclusive",
		},
		{
			name: "writeback without path",
			content: `
name: x
description: "x"
module: cart.cue
steps:
  - writeback: { value: 1 }
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "steps[0].writeback: path is required",
		},
		{
			name: "reload not found",
			content: `
name: x
description: "x"
module: cart.cue
steps:
  - reload: v2.cue
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "reload file not found",
		},
		{
			name: "unknown lane",
			content: `
name: x
description: "x"
module: cart.cue
steps:
  - lane: background
    patch: [{ op: set, path: a, value: 1 }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: `unknown lane "background"`,
		},
		{
			name: "unknown op",
			content: `
name: x
description: "x"
module: cart.cue
steps:
  - patch: [{ op: merge, path: a, value: 1 }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: `steps[0].patch[0]: unknown op "merge"`,
		},
		{
			name: "patch without path",
			content: `
name: x
description: "x"
module: cart.cue
steps:
  - patch: [{ op: set, value: 1 }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "steps[0].patch[0]: path is required",
		},
		{
			name: "field validation without path",
			content: `
name: x
description: "x"
module: cart.cue
steps:
  - validate: [{ target: field }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "path is required for field",
		},
		{
			name: "unknown validate target",
			content: `
name: x
description: "x"
module: cart.cue
steps:
  - validate: [{ target: form }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: `unknown target "form"`,
		},
		{
			name: "assertion without type",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ count: 1 }]
`,
			wantErr: "assertions[0]: type is required",
		},
		{
			name: "unknown assertion type",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_length }]
`,
			wantErr: `unknown assertion type "trace_length"`,
		},
		{
			name: "negative count",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_count, count: -1 }]
`,
			wantErr: "count must be non-negative",
		},
		{
			name: "trace_contains without filter",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_contains }]
`,
			wantErr: "trace_contains needs at least one of",
		},
		{
			name: "trace_order without labels",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_order }]
`,
			wantErr: "labels list is required for trace_order",
		},
		{
			name: "trace_count without count",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: trace_count, origin: user }]
`,
			wantErr: "count is required for trace_count",
		},
		{
			name: "final_state without expect",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: final_state }]
`,
			wantErr: "expect is required for final_state",
		},
		{
			name: "final_errors without expect or count",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: final_errors }]
`,
			wantErr: "expect or count is required for final_errors",
		},
		{
			name: "diagnostic_count without code",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: diagnostic_count, count: 0 }]
`,
			wantErr: "code is required for diagnostic_count",
		},
		{
			name: "diagnostic_count without count",
			content: `
name: x
description: "x"
module: cart.cue
steps: [{ patch: [{ op: set, path: a, value: 1 }] }]
assertions: [{ type: diagnostic_count, code: "source::refresh_failed" }]
`,
			wantErr: "count is required for diagnostic_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, dir, tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_EmptyPatchStepIsValid(t *testing.T) {
	dir := t.TempDir()
	createTestModule(t, dir, "cart.cue")
	path := writeScenario(t, dir, `
name: noop
description: "A step with no driver is an empty transaction"
module: cart.cue
steps:
  - label: nothing
assertions:
  - type: trace_contains
    label: nothing
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Empty(t, scenario.Steps[0].Patch)
}
