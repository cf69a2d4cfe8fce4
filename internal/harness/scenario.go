package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/engine"
	"github.com/roach88/statekernel/internal/state"
	"github.com/roach88/statekernel/internal/validate"
)

// Scenario drives one module instance through a sequence of transactions
// and asserts on the commits, the final state and the error tree.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Module is the path of a CUE file declaring the module. Relative paths
	// are resolved against the scenario file by LoadScenarioWithBasePath.
	Module string `yaml:"module,omitempty"`

	// Inline is CUE source used instead of Module.
	Inline string `yaml:"inline,omitempty"`

	// ModuleID selects one module when the CUE source declares several.
	ModuleID string `yaml:"module_id,omitempty"`

	// Initial is the state the instance starts from.
	Initial map[string]any `yaml:"initial,omitempty"`

	// Config holds the runtime-wide and per-module overrides.
	Config Config `yaml:"config,omitempty"`

	// Sources are canned source loader results: resource, then key joined
	// with "|", then value. A missing entry fails the load.
	Sources map[string]map[string]any `yaml:"sources,omitempty"`

	// Steps run in order. Background source refreshes settle after each step.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Config is the override layering of a scenario.
type Config struct {
	Runtime ScopeConfig `yaml:"runtime,omitempty"`
	Module  ScopeConfig `yaml:"module,omitempty"`
}

// ScopeConfig is one scope's overrides.
type ScopeConfig struct {
	Converge *converge.Overrides     `yaml:"converge,omitempty"`
	Policy   *engine.PolicyOverrides `yaml:"policy,omitempty"`
}

// Step is one transaction. Exactly one of Patch (with Validate), Writeback
// or Reload drives it; an empty Patch is a valid no-op transaction.
type Step struct {
	Label     string         `yaml:"label,omitempty"`
	Lane      engine.Lane    `yaml:"lane,omitempty"`
	Patch     []state.Op     `yaml:"patch,omitempty"`
	Validate  []ValidateStep `yaml:"validate,omitempty"`
	Writeback *WritebackStep `yaml:"writeback,omitempty"`

	// Fail makes the transaction body return an error with this message
	// after the patch applied. Nothing commits.
	Fail string `yaml:"fail,omitempty"`

	// Reload is the path of a CUE file compiled and swapped in.
	Reload string `yaml:"reload,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ValidateStep is an explicit validation request.
type ValidateStep struct {
	Target validate.Target `yaml:"target"`
	Path   string          `yaml:"path,omitempty"`
	Mode   validate.Mode   `yaml:"mode,omitempty"`
}

// WritebackStep commits a value written by an external store.
type WritebackStep struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
}

// ExpectClause specifies what a step must produce.
type ExpectClause struct {
	// Error is the expected TxnError code. When set the step must fail.
	Error string `yaml:"error,omitempty"`

	Outcome converge.Outcome `yaml:"outcome,omitempty"`
	Mode    converge.Mode    `yaml:"mode,omitempty"`

	// Reasons must all appear in the commit's evidence.
	Reasons []converge.Reason `yaml:"reasons,omitempty"`

	// State is a subset of the committed state, keyed by field path.
	State map[string]any `yaml:"state,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a commit matches label/origin/outcome/mode/reason
	// - "trace_order": labelled commits appear in order
	// - "trace_count": number of commits, optionally filtered by origin
	// - "final_state": subset of the final state keyed by field path
	// - "final_errors": error tree entries and total count
	// - "diagnostic_count": number of diagnostics with a code
	Type string `yaml:"type"`

	Label   string           `yaml:"label,omitempty"`
	Origin  engine.Origin    `yaml:"origin,omitempty"`
	Outcome converge.Outcome `yaml:"outcome,omitempty"`
	Mode    converge.Mode    `yaml:"mode,omitempty"`
	Reason  converge.Reason  `yaml:"reason,omitempty"`

	// Labels is the expected commit order (used by trace_order).
	Labels []string `yaml:"labels,omitempty"`

	// Expect is the expected state subset (final_state) or, for
	// final_errors, the check keys expected at each error path.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Code is the diagnostic code (used by diagnostic_count).
	Code string `yaml:"code,omitempty"`

	// Count is the expected number of matches.
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertFinalState      = "final_state"
	AssertFinalErrors     = "final_errors"
	AssertDiagnosticCount = "diagnostic_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// Relative module paths resolve against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving module and reload paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve paths BEFORE validation so existence checks see real paths
	scenario.Module = resolve(basePath, scenario.Module)
	for i := range scenario.Steps {
		scenario.Steps[i].Reload = resolve(basePath, scenario.Steps[i].Reload)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Module == "" && s.Inline == "":
		return fmt.Errorf("module or inline is required")
	case s.Module != "" && s.Inline != "":
		return fmt.Errorf("module and inline are mutually exclusive")
	case s.Module != "":
		if _, err := os.Stat(s.Module); os.IsNotExist(err) {
			return fmt.Errorf("module file not found: %s", s.Module)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	drivers := 0
	if len(st.Patch) > 0 || len(st.Validate) > 0 || st.Fail != "" {
		drivers++
	}
	if st.Writeback != nil {
		drivers++
		if st.Writeback.Path == "" {
			return fmt.Errorf("steps[%d].writeback: path is required", index)
		}
	}
	if st.Reload != "" {
		drivers++
		if _, err := os.Stat(st.Reload); os.IsNotExist(err) {
			return fmt.Errorf("steps[%d]: reload file not found: %s", index, st.Reload)
		}
	}
	if drivers > 1 {
		return fmt.Errorf("steps[%d]: patch, writeback and reload are mutually exclusive", index)
	}

	switch st.Lane {
	case "", engine.LaneUrgent, engine.LaneNonUrgent:
	default:
		return fmt.Errorf("steps[%d]: unknown lane %q", index, st.Lane)
	}
	for j, op := range st.Patch {
		if op.Path == "" {
			return fmt.Errorf("steps[%d].patch[%d]: path is required", index, j)
		}
		switch op.Op {
		case "", state.OpSet, state.OpDelete:
		default:
			return fmt.Errorf("steps[%d].patch[%d]: unknown op %q", index, j, op.Op)
		}
	}
	for j, v := range st.Validate {
		switch v.Target {
		case validate.TargetRoot:
		case validate.TargetField, validate.TargetList:
			if v.Path == "" {
				return fmt.Errorf("steps[%d].validate[%d]: path is required for %s", index, j, v.Target)
			}
		default:
			return fmt.Errorf("steps[%d].validate[%d]: unknown target %q", index, j, v.Target)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Count != nil && *a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Label == "" && a.Origin == "" && a.Outcome == "" && a.Mode == "" && a.Reason == "" {
			return fmt.Errorf("assertions[%d]: trace_contains needs at least one of label, origin, outcome, mode, reason", index)
		}
	case AssertTraceOrder:
		if len(a.Labels) == 0 {
			return fmt.Errorf("assertions[%d]: labels list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertFinalErrors:
		if len(a.Expect) == 0 && a.Count == nil {
			return fmt.Errorf("assertions[%d]: expect or count is required for final_errors", index)
		}
	case AssertDiagnosticCount:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for diagnostic_count", index)
		}
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for diagnostic_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
