// Package engine runs module instances: one single-writer transaction loop
// per instance on top of the converge and validate packages.
//
// ARCHITECTURE:
//
// Single-Writer Transaction Loop:
// Every transaction of an instance runs in the Run goroutine, so the draft,
// the plan cache and the error tree never need locks.
//
// Transaction Flow:
// 1. Submit admits the transaction into the urgent or non-urgent lane
// 2. Run dequeues one transaction (urgent first, bounded starvation)
// 3. The raw patch and body mutate a copy-on-write draft
// 4. converge derives computed and linked fields for the dirty set
// 5. The validation window re-runs the selected and triggered checks
// 6. The draft is committed under the next txnSeq
// 7. The tick scheduler delivers the commit to subscribers
//
// A failed patch or body commits nothing and consumes no txnSeq. Degraded
// convergence still commits; the evidence says what was skipped.
//
// Admission is lossless. At capacity, Submit blocks instead of dropping.
// Sustained backlog raises concurrency::pressure.
//
// Background work (source loads) runs on the instance Executor, bounded by
// the resolved concurrency limit. Results re-enter the loop as
// transactions.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Commits are stamped with a monotonic txnSeq from Clock.Next().
// Wall-clock time is used for budgets and diagnostics, never for ordering.
package engine
