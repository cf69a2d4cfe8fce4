package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
	"github.com/roach88/statekernel/internal/scheduler"
)

// ReadEvidence returns the evidence of module with txn_seq > afterSeq,
// ordered by txn_seq.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadEvidence(ctx context.Context, module string, afterSeq int64) ([]converge.Evidence, error) {
	return s.QueryEvidence(ctx, EvidenceQuery{Module: module, AfterSeq: afterSeq})
}

// ReadDiagnostics returns the diagnostics of module in emission order. An
// empty code returns every code.
func (s *Store) ReadDiagnostics(ctx context.Context, module string, code diag.Code) ([]diag.Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module, txn_seq, code, severity, message, details, at
		FROM diagnostics
		WHERE module = ? AND (? = '' OR code = ?)
		ORDER BY id ASC
	`, module, string(code), string(code))
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	out := []diag.Diagnostic{}
	for rows.Next() {
		d, err := scanDiagnostic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return out, nil
}

func scanDiagnostic(rows *sql.Rows) (diag.Diagnostic, error) {
	var (
		d              diag.Diagnostic
		code, severity string
		details, at    string
	)
	if err := rows.Scan(&d.Module, &d.TxnSeq, &code, &severity, &d.Message, &details, &at); err != nil {
		return diag.Diagnostic{}, fmt.Errorf("scan diagnostic: %w", err)
	}
	d.Code = diag.Code(code)
	d.Severity = diag.Severity(severity)
	if details != "{}" {
		if err := unmarshalBody(details, &d.Details); err != nil {
			return diag.Diagnostic{}, fmt.Errorf("diagnostic %s: %w", code, err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return diag.Diagnostic{}, fmt.Errorf("diagnostic %s: parse time: %w", code, err)
	}
	d.At = ts
	return d, nil
}

// ReadTicks returns the tick records of module ordered by tick_seq.
func (s *Store) ReadTicks(ctx context.Context, module string) ([]scheduler.TickEvidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body
		FROM ticks
		WHERE module = ?
		ORDER BY tick_seq ASC, id ASC
	`, module)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	out := []scheduler.TickEvidence{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		var ev scheduler.TickEvidence
		if err := unmarshalBody(body, &ev); err != nil {
			return nil, fmt.Errorf("tick of %s: %w", module, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	return out, nil
}

// Modules returns every module with journaled evidence or diagnostics,
// sorted by name.
func (s *Store) Modules(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module FROM evidence
		UNION
		SELECT module FROM diagnostics
		ORDER BY module COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest journaled txn_seq of module, or 0.
// An engine resuming from the journal passes it to engine.WithStartSeq.
func (s *Store) LastSeq(ctx context.Context, module string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(txn_seq), 0) FROM evidence WHERE module = ?
	`, module).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq of %s: %w", module, err)
	}
	return seq, nil
}

// Summary aggregates the journal of one module.
type Summary struct {
	Module         string         `json:"module"`
	Commits        int            `json:"commits"`
	Degraded       int            `json:"degraded"`
	CacheHits      int            `json:"cacheHits"`
	Modes          map[string]int `json:"modes"`
	DurationMicros int64          `json:"durationUs"`
	Diagnostics    map[string]int `json:"diagnostics"`
	Ticks          int            `json:"ticks"`
	ForcedTicks    int            `json:"forcedTicks"`
}

// Summarize aggregates the evidence, diagnostics and ticks of module.
func (s *Store) Summarize(ctx context.Context, module string) (Summary, error) {
	sum := Summary{
		Module:      module,
		Modes:       map[string]int{},
		Diagnostics: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT executed_mode, COUNT(*),
		       SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
		       SUM(cache_hit),
		       SUM(duration_us)
		FROM evidence
		WHERE module = ?
		GROUP BY executed_mode
		ORDER BY executed_mode
	`, string(converge.OutcomeDegraded), module)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize evidence: %w", err)
	}
	for rows.Next() {
		var (
			mode              string
			n, degraded, hits int
			micros            int64
		)
		if err := rows.Scan(&mode, &n, &degraded, &hits, &micros); err != nil {
			rows.Close()
			return Summary{}, fmt.Errorf("scan evidence summary: %w", err)
		}
		sum.Modes[mode] = n
		sum.Commits += n
		sum.Degraded += degraded
		sum.CacheHits += hits
		sum.DurationMicros += micros
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate evidence summary: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT code, COUNT(*) FROM diagnostics WHERE module = ? GROUP BY code
	`, module)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize diagnostics: %w", err)
	}
	for rows.Next() {
		var (
			code string
			n    int
		)
		if err := rows.Scan(&code, &n); err != nil {
			rows.Close()
			return Summary{}, fmt.Errorf("scan diagnostics summary: %w", err)
		}
		sum.Diagnostics[code] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate diagnostics summary: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(forced), 0) FROM ticks WHERE module = ?
	`, module).Scan(&sum.Ticks, &sum.ForcedTicks)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize ticks: %w", err)
	}
	return sum, nil
}
