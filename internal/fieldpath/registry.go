package fieldpath

import (
	"fmt"
	"sync"
)

// ID is a dense integer assigned to a canonical path.
type ID int

// Registry interns canonical paths into IDs.
//
// Thread-safety: Intern must only be called before Freeze (by the compiler).
// All read methods are safe for concurrent use after Freeze.
type Registry struct {
	mu     sync.RWMutex
	ids    map[string]ID
	paths  []Path
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]ID)}
}

// Intern returns the ID for p, assigning the next dense ID on first sight.
// Panics if the registry is frozen: IDs are stable within a generation.
func (r *Registry) Intern(p Path) ID {
	c := p.Canonical()
	key := c.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[key]; ok {
		return id
	}
	if r.frozen {
		panic(fmt.Sprintf("fieldpath: intern %q on frozen registry", key))
	}
	id := ID(len(r.paths))
	r.ids[key] = id
	r.paths = append(r.paths, c)
	return id
}

// Freeze forbids further interning.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the ID of the canonical form of p.
func (r *Registry) Lookup(p Path) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[p.Key()]
	return id, ok
}

// Path returns the canonical path for id.
func (r *Registry) Path(id ID) Path {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paths[id]
}

// Len returns the number of interned paths.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.paths)
}

// Paths returns the canonical paths in ID order.
func (r *Registry) Paths() []Path {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Path, len(r.paths))
	copy(out, r.paths)
	return out
}

// Overlapping returns, in ID order, every registered path a write to p may
// affect (or that contains p). Unregistered writes with no overlap return nil:
// they cannot influence any trait.
func (r *Registry) Overlapping(p Path) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []ID
	for i, reg := range r.paths {
		if Overlaps(reg, p) {
			ids = append(ids, ID(i))
		}
	}
	return ids
}
