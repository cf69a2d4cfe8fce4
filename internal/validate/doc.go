// Package validate runs trait checks incrementally and maintains the
// row-addressable error tree.
//
// A Validator is bound to one module instance. Each transaction opens a
// Window, adds validation requests (explicit, or triggered by convergence),
// and flushes the window once against the converged draft. Identical requests
// in a window are deduplicated and the union of the selected checks runs
// exactly once.
//
// List-scope results are addressed by row. Every row carries a durable
// $rowId resolved by the RowIDStore, so per-row state survives reordering.
// Unchanged row errors keep their pointer identity across flushes, and rows
// that become valid are removed from the tree.
//
// Thread-safety: a Validator and its RowIDStore are owned by the instance's
// transaction executor and must not be used concurrently. ErrorTree values
// are immutable once returned and may be shared freely.
package validate
