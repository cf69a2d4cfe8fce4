// Package state holds module state trees.
//
// A Snapshot is an immutable committed tree of map[string]any, []any and
// scalar values. A Draft is the mutable view one transaction works on: it
// shares every untouched container with its base snapshot and clones a
// container only on the first write beneath it (path-scoped copy-on-write).
// Committing a draft yields a new Snapshot; the base is never modified, so a
// reader holding the previous snapshot never observes a partial transaction.
//
// The Draft records every concrete path it wrote. The convergence engine turns
// those writes into a dirty set. Writes that cannot be attributed to concrete
// paths (whole-tree replacement, wildcard patches) raise flags instead.
package state
