package harness

import (
	"github.com/roach88/statekernel/internal/engine"
	"github.com/roach88/statekernel/internal/store"
)

// TraceEvent is one commit as seen by a subscriber.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Label   string `json:"label,omitempty"`
	Lane    string `json:"lane"`
	Origin  string `json:"origin"`
	Outcome string `json:"outcome"`
	Mode    string `json:"mode"`

	Reasons  []string `json:"reasons"`
	Executed int      `json:"executed"`
	Skipped  int      `json:"skipped"`
	Changed  int      `json:"changed"`

	DirtyAll   bool     `json:"dirty_all,omitempty"`
	DirtyRoots []string `json:"dirty_roots,omitempty"`

	// ErrorCount is the size of the error tree after the commit.
	ErrorCount int `json:"error_count"`
}

// DiagnosticEvent is one journaled diagnostic.
type DiagnosticEvent struct {
	Code   string `json:"code"`
	TxnSeq int64  `json:"txn_seq"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains every commit in txnSeq order, including
	// background source refreshes.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final committed state.
	State map[string]any `json:"state,omitempty"`

	// Invalid is the final error tree, flattened.
	Invalid map[string]map[string]any `json:"invalid,omitempty"`

	// Diagnostics lists the journaled diagnostics in emission order.
	Diagnostics []DiagnosticEvent `json:"diagnostics"`

	// Summary aggregates the journal of the run.
	Summary store.Summary `json:"summary"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Trace:       []TraceEvent{},
		Errors:      []string{},
		Diagnostics: []DiagnosticEvent{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddCommit appends c to the trace.
func (r *Result) AddCommit(c engine.Commit) {
	ev := c.Evidence
	reasons := make([]string, len(ev.Reasons))
	for i, reason := range ev.Reasons {
		reasons[i] = string(reason)
	}
	r.Trace = append(r.Trace, TraceEvent{
		Seq:        c.TxnSeq,
		Label:      c.Label,
		Lane:       string(c.Lane),
		Origin:     string(c.Origin),
		Outcome:    string(ev.Outcome),
		Mode:       string(ev.ExecutedMode),
		Reasons:    reasons,
		Executed:   ev.StepStats.ExecutedSteps,
		Skipped:    ev.StepStats.SkippedSteps,
		Changed:    ev.StepStats.ChangedSteps,
		DirtyAll:   ev.Dirty.All,
		DirtyRoots: ev.Dirty.Roots,
		ErrorCount: c.Errors.Count(),
	})
}
