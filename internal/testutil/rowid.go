package testutil

import (
	"fmt"
	"sync"
)

// SequentialRowIDs generates predictable row ids: "row-1", "row-2", ...
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario with a fresh SequentialRowIDs produces byte-identical
// error trees.
//
// Thread-safety: SequentialRowIDs is safe for concurrent use via internal mutex.
type SequentialRowIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialRowIDs creates a generator. An empty prefix means "row".
func NewSequentialRowIDs(prefix string) *SequentialRowIDs {
	if prefix == "" {
		prefix = "row"
	}
	return &SequentialRowIDs{prefix: prefix}
}

// Generate returns the next id.
//
// Implements validate.RowIDGenerator interface.
func (g *SequentialRowIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
