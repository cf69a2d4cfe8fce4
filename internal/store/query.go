package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/statekernel/internal/converge"
)

// EvidenceQuery selects journaled evidence. Zero fields match everything.
type EvidenceQuery struct {
	Module   string
	AfterSeq int64
	Outcome  converge.Outcome
	Mode     converge.Mode // executed mode
	Digest   string        // static IR digest
	CacheHit *bool
	Limit    int // 0 = no limit
}

// compile builds the parameterized SELECT for q.
//
// Values are always bound as parameters, never interpolated. Every query is
// ordered by (module, txn_seq, id) so results are deterministic across
// SQLite versions.
func (q EvidenceQuery) compile() (string, []any) {
	var (
		where  []string
		params []any
	)
	equals := func(column string, v any) {
		where = append(where, column+" = ?")
		params = append(params, v)
	}

	if q.Module != "" {
		equals("module", q.Module)
	}
	if q.AfterSeq > 0 {
		where = append(where, "txn_seq > ?")
		params = append(params, q.AfterSeq)
	}
	if q.Outcome != "" {
		equals("outcome", string(q.Outcome))
	}
	if q.Mode != "" {
		equals("executed_mode", string(q.Mode))
	}
	if q.Digest != "" {
		equals("static_ir_digest", q.Digest)
	}
	if q.CacheHit != nil {
		equals("cache_hit", *q.CacheHit)
	}

	var b strings.Builder
	b.WriteString("SELECT body FROM evidence")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY module COLLATE BINARY ASC, txn_seq ASC, id ASC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return b.String(), params
}

// QueryEvidence returns the evidence matching q.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) QueryEvidence(ctx context.Context, q EvidenceQuery) ([]converge.Evidence, error) {
	query, params := q.compile()
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	out := []converge.Evidence{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		var ev converge.Evidence
		if err := unmarshalBody(body, &ev); err != nil {
			return nil, fmt.Errorf("evidence of %s: %w", q.Module, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}
