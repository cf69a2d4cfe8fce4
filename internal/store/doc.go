// Package store provides a SQLite-backed journal of convergence evidence,
// diagnostics and scheduler ticks.
//
// The journal is observability only. Module state is never stored; an
// engine restarted from a journal resumes txnSeq numbering (LastSeq) but not
// its snapshot.
//
// The store keeps three append-only tables:
//   - evidence: one row per committed transaction
//   - diagnostics: one row per emitted diagnostic
//   - ticks: one row per scheduler tick
//
// # Critical Patterns
//
// Logical Ordering:
//   - Evidence is ordered by txn_seq, ticks by tick_seq, diagnostics by
//     insertion id. Wall-clock columns are informational.
//
// Idempotent Evidence:
//   - UNIQUE(module, txn_seq) with ON CONFLICT DO NOTHING. Re-journaling a
//     commit is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Bodies are stored as JSON text exactly as the engine emits them, so the
// trace command can show fields added after the row was written.
package store
