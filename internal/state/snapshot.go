package state

import (
	"strconv"

	"github.com/roach88/statekernel/internal/fieldpath"
)

// Reader reads values by path. Implemented by *Snapshot and *Draft.
type Reader interface {
	Get(p fieldpath.Path) (any, bool)
}

// Snapshot is an immutable committed state tree.
//
// Thread-safety: safe for concurrent reads. Callers must not mutate values
// returned by Get or Root.
type Snapshot struct {
	root    map[string]any
	version int64
}

// NewSnapshot wraps root as version 0. The snapshot takes ownership of root.
func NewSnapshot(root map[string]any) *Snapshot {
	if root == nil {
		root = map[string]any{}
	}
	return &Snapshot{root: root}
}

// Version returns the txnSeq that produced this snapshot (0 for initial).
func (s *Snapshot) Version() int64 { return s.version }

// Root returns the underlying tree. Read-only.
func (s *Snapshot) Root() map[string]any { return s.root }

// Get returns the value at p.
func (s *Snapshot) Get(p fieldpath.Path) (any, bool) {
	return lookup(s.root, p)
}

func lookup(root map[string]any, p fieldpath.Path) (any, bool) {
	var cur any = root
	for _, seg := range p {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
