package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
)

// createTestStore creates a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvidence creates evidence with minimal required fields.
func createTestEvidence(module string, seq int64, outcome converge.Outcome, mode converge.Mode) converge.Evidence {
	return converge.Evidence{
		TxnSeq:         seq,
		Module:         module,
		RequestedMode:  converge.ModeAuto,
		ExecutedMode:   mode,
		Outcome:        outcome,
		ConfigScope:    converge.ScopeBuiltin,
		StaticIRDigest: "digest-1",
		Reasons:        []converge.Reason{converge.ReasonCacheMiss},
		StepStats:      converge.StepStats{TotalSteps: 4, ExecutedSteps: 2, SkippedSteps: 2},
		Dirty:          converge.DirtyEvidence{RootCount: 1, Roots: []string{"items[].qty"}},
		DurationMicros: 150,
	}
}

func createTestDiagnostic(module string, code diag.Code, seq int64) diag.Diagnostic {
	return diag.Diagnostic{
		Code:     code,
		Severity: diag.SeverityWarning,
		Message:  "test diagnostic",
		Module:   module,
		TxnSeq:   seq,
		Details:  map[string]any{"queued": 3, "reason": "backlog_count"},
		At:       time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}
