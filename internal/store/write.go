package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/diag"
	"github.com/roach88/statekernel/internal/scheduler"
)

// WriteEvidence journals the evidence of one commit.
// Uses ON CONFLICT(module, txn_seq) DO NOTHING for idempotency.
func (s *Store) WriteEvidence(ctx context.Context, ev converge.Evidence) error {
	body, err := marshalBody(ev)
	if err != nil {
		return fmt.Errorf("write evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence
		(module, txn_seq, outcome, executed_mode, static_ir_digest, cache_hit, duration_us, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(module, txn_seq) DO NOTHING
	`,
		ev.Module,
		ev.TxnSeq,
		string(ev.Outcome),
		string(ev.ExecutedMode),
		ev.StaticIRDigest,
		ev.Cache.Hit,
		ev.DurationMicros,
		body,
	)
	if err != nil {
		return fmt.Errorf("write evidence: %w", err)
	}
	return nil
}

// WriteDiagnostic journals one diagnostic.
func (s *Store) WriteDiagnostic(ctx context.Context, d diag.Diagnostic) error {
	details := "{}"
	if len(d.Details) > 0 {
		var err error
		if details, err = marshalBody(d.Details); err != nil {
			return fmt.Errorf("write diagnostic %s: %w", d.Code, err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diagnostics
		(module, txn_seq, code, severity, message, details, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		d.Module,
		d.TxnSeq,
		string(d.Code),
		string(d.Severity),
		d.Message,
		details,
		d.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write diagnostic %s: %w", d.Code, err)
	}
	return nil
}

// WriteTick journals the evidence of one scheduler tick.
func (s *Store) WriteTick(ctx context.Context, module string, ev scheduler.TickEvidence) error {
	body, err := marshalBody(ev)
	if err != nil {
		return fmt.Errorf("write tick: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ticks
		(module, tick_seq, via, forced, steps, stop_reason, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		module,
		ev.TickSeq,
		string(ev.ScheduledVia),
		ev.ForcedMacrotask,
		ev.Steps,
		ev.StopReason,
		body,
	)
	if err != nil {
		return fmt.Errorf("write tick: %w", err)
	}
	return nil
}
