package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/state"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s/%s %s %s\n",
				ev.Seq, ev.Label, ev.Lane, ev.Origin, ev.Outcome, ev.Mode)
		}
	}
	return buf.String()
}

// matchEvent reports whether ev has every field set on a.
func matchEvent(ev TraceEvent, a Assertion) bool {
	if a.Label != "" && ev.Label != a.Label {
		return false
	}
	if a.Origin != "" && ev.Origin != string(a.Origin) {
		return false
	}
	if a.Outcome != "" && ev.Outcome != string(a.Outcome) {
		return false
	}
	if a.Mode != "" && ev.Mode != string(a.Mode) {
		return false
	}
	if a.Reason != "" && !slices.Contains(ev.Reasons, string(a.Reason)) {
		return false
	}
	return true
}

func describe(a Assertion) string {
	var parts []string
	for _, kv := range [][2]string{
		{"label", a.Label},
		{"origin", string(a.Origin)},
		{"outcome", string(a.Outcome)},
		{"mode", string(a.Mode)},
		{"reason", string(a.Reason)},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that some commit matches the assertion.
// With count set, exactly that many commits must match.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if matchEvent(ev, a) {
			n++
		}
	}
	if (a.Count == nil && n > 0) || (a.Count != nil && n == *a.Count) {
		return nil
	}

	want := "at least one commit"
	if a.Count != nil {
		want = fmt.Sprintf("%d commits", *a.Count)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with %s", want, describe(a)),
		Actual:   fmt.Sprintf("%d matching commits", n),
		Trace:    trace,
	}
}

// assertTraceOrder checks that labelled commits appear in the specified
// order. Commits don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	// Step 1: Find first position of each expected label
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.Label]; !seen {
			positions[ev.Label] = i + 1 // 1-indexed for readability
		}
	}

	// Step 2: Verify all labels found
	for _, label := range a.Labels {
		if positions[label] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all labels present: %v", a.Labels),
				Actual:   fmt.Sprintf("missing label: %s", label),
				Trace:    trace,
			}
		}
	}

	// Step 3: Verify order
	for i := 1; i < len(a.Labels); i++ {
		prev, curr := a.Labels[i-1], a.Labels[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("labels in order: %v", a.Labels),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the number of commits, filtered by origin when
// one is given.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	if a.Count == nil {
		return fmt.Errorf("trace_count requires count")
	}
	count := 0
	for _, ev := range trace {
		if a.Origin == "" || ev.Origin == string(a.Origin) {
			count++
		}
	}
	if count != *a.Count {
		what := "commits"
		if a.Origin != "" {
			what = fmt.Sprintf("%s commits", a.Origin)
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s", *a.Count, what),
			Actual:   fmt.Sprintf("%d %s", count, what),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks field paths of the final state (subset
// semantics). An expected null matches a missing path.
func assertFinalState(root map[string]any, a Assertion) error {
	snap := state.NewSnapshot(root)
	for _, path := range sortedKeys(a.Expect) {
		want := a.Expect[path]
		got, ok := snap.Get(fieldpath.Parse(path))
		if !ok && want != nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s = %v", path, want),
				Actual:   fmt.Sprintf("%s not present", path),
			}
		}
		if !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s = %v (type %T)", path, want, want),
				Actual:   fmt.Sprintf("%s = %v (type %T)", path, got, got),
			}
		}
	}
	return nil
}

// assertFinalErrors checks the flattened error tree. Each expected path
// must fail with exactly the listed check keys; an empty list means the
// path must be valid. Count, when set, is the total number of failures.
func assertFinalErrors(invalid map[string]map[string]any, a Assertion) error {
	for _, path := range sortedKeys(a.Expect) {
		want, err := checkKeys(a.Expect[path])
		if err != nil {
			return fmt.Errorf("final_errors %s: %w", path, err)
		}
		got := sortedKeys(invalid[path])
		slices.Sort(want)
		if !slices.Equal(got, want) {
			return &AssertionError{
				Type:     AssertFinalErrors,
				Expected: fmt.Sprintf("%s fails %v", path, want),
				Actual:   fmt.Sprintf("%s fails %v", path, got),
			}
		}
	}

	if a.Count != nil {
		total := 0
		for _, errs := range invalid {
			total += len(errs)
		}
		if total != *a.Count {
			return &AssertionError{
				Type:     AssertFinalErrors,
				Expected: fmt.Sprintf("%d failing checks", *a.Count),
				Actual:   fmt.Sprintf("%d failing checks: %v", total, invalid),
			}
		}
	}
	return nil
}

func checkKeys(v any) ([]string, error) {
	if v == nil {
		return []string{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("want a list of check keys, got %T", v)
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("check key %v is not a string", e)
		}
		out = append(out, s)
	}
	return out, nil
}

// assertDiagnosticCount checks how many diagnostics carry a code.
func assertDiagnosticCount(diags []DiagnosticEvent, a Assertion) error {
	if a.Count == nil {
		return fmt.Errorf("diagnostic_count requires count")
	}
	n := 0
	for _, d := range diags {
		if d.Code == a.Code {
			n++
		}
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertDiagnosticCount,
			Expected: fmt.Sprintf("%d %s diagnostics", *a.Count, a.Code),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result.State, a)
		case AssertFinalErrors:
			err = assertFinalErrors(result.Invalid, a)
		case AssertDiagnosticCount:
			err = assertDiagnosticCount(result.Diagnostics, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
