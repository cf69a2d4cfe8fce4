package state

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/roach88/statekernel/internal/fieldpath"
)

// Draft is a transaction-local mutable view over a Snapshot.
//
// Thread-safety: NOT safe for concurrent use. A draft is owned by the single
// goroutine executing its transaction.
type Draft struct {
	base  *Snapshot
	root  map[string]any
	owned map[string]bool // concrete path keys of containers already cloned

	writes       []fieldpath.Path
	writeKeys    map[string]bool
	unknown      bool
	nonTrackable bool
}

// NewDraft starts a draft over base. Nothing is copied until the first write.
func NewDraft(base *Snapshot) *Draft {
	return &Draft{
		base:      base,
		root:      base.root,
		owned:     make(map[string]bool),
		writeKeys: make(map[string]bool),
	}
}

// Base returns the snapshot the draft started from.
func (d *Draft) Base() *Snapshot { return d.base }

// Get returns the current value at p, including uncommitted writes.
func (d *Draft) Get(p fieldpath.Path) (any, bool) {
	return lookup(d.root, p)
}

// Set writes v at the concrete path p, creating intermediate maps as needed.
// Setting index len(list) appends a row.
func (d *Draft) Set(p fieldpath.Path, v any) error {
	if len(p) == 0 {
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("set root: want object, got %T", v)
		}
		d.Replace(m)
		return nil
	}
	if !p.IsConcrete() {
		return fmt.Errorf("set %s: path has list marker", p)
	}
	if err := d.write(p, v, false); err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	d.record(p)
	return nil
}

// Delete removes the value at p. Deleting a list row shifts later rows down.
// Deleting a missing path is a no-op and records no write.
func (d *Draft) Delete(p fieldpath.Path) error {
	if len(p) == 0 {
		d.Replace(map[string]any{})
		return nil
	}
	if _, ok := d.Get(p); !ok {
		return nil
	}
	if err := d.write(p, nil, true); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if isIndexSegment(p[len(p)-1]) {
		// Row removal shifts every later row: the whole list changed.
		d.record(p[:len(p)-1])
		return nil
	}
	d.record(p)
	return nil
}

// Replace swaps the whole tree. The written paths can no longer be known, so
// the draft is flagged as an unknown write.
func (d *Draft) Replace(root map[string]any) {
	d.root = root
	d.owned = map[string]bool{"": true}
	d.unknown = true
}

// MarkNonTrackable flags a write whose concrete targets are not known
// precisely (for example a wildcard patch across all rows of a list).
func (d *Draft) MarkNonTrackable() { d.nonTrackable = true }

// Writes returns the concrete paths written, in first-write order.
func (d *Draft) Writes() []fieldpath.Path { return d.writes }

// Unknown reports whether the whole tree was replaced.
func (d *Draft) Unknown() bool { return d.unknown }

// NonTrackable reports whether a non-trackable patch was applied.
func (d *Draft) NonTrackable() bool { return d.nonTrackable }

// Dirty reports whether anything was written.
func (d *Draft) Dirty() bool {
	return d.unknown || d.nonTrackable || len(d.writes) > 0
}

// ResetWrites clears write tracking while keeping the written values. Used to
// separate the raw patch from writes made during convergence.
func (d *Draft) ResetWrites() {
	d.writes = nil
	d.writeKeys = make(map[string]bool)
	d.unknown = false
	d.nonTrackable = false
}

// Commit publishes the draft as a new snapshot with the given version. If
// nothing was written the new snapshot shares the base tree.
func (d *Draft) Commit(version int64) *Snapshot {
	return &Snapshot{root: d.root, version: version}
}

func (d *Draft) record(p fieldpath.Path) {
	key := p.String()
	if d.writeKeys[key] {
		return
	}
	d.writeKeys[key] = true
	d.writes = append(d.writes, slices.Clone(p))
}

// write walks to the parent of p, cloning each container on the way that the
// draft does not own yet, and then assigns or removes the leaf.
func (d *Draft) write(p fieldpath.Path, v any, del bool) error {
	if !d.owned[""] {
		d.root = maps.Clone(d.root)
		if d.root == nil {
			d.root = map[string]any{}
		}
		d.owned[""] = true
	}

	var parent any = d.root
	for i, seg := range p[:len(p)-1] {
		key := p[:i+1].String()
		child, err := d.child(parent, seg, key, !del)
		if err != nil {
			return err
		}
		parent = child
	}
	return d.assign(parent, p, v, del)
}

// child returns the owned container at seg under parent, cloning or creating
// it as needed.
func (d *Draft) child(parent any, seg, key string, create bool) (any, error) {
	switch c := parent.(type) {
	case map[string]any:
		cur, ok := c[seg]
		if !ok || cur == nil {
			if !create {
				return nil, fmt.Errorf("missing %q", seg)
			}
			fresh := map[string]any{}
			c[seg] = fresh
			d.owned[key] = true
			return fresh, nil
		}
		if d.owned[key] {
			return cur, nil
		}
		cloned, err := cloneContainer(cur)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", seg, err)
		}
		c[seg] = cloned
		d.owned[key] = true
		return cloned, nil

	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, fmt.Errorf("index %q out of range (len %d)", seg, len(c))
		}
		cur := c[i]
		if cur == nil {
			if !create {
				return nil, fmt.Errorf("missing row %d", i)
			}
			fresh := map[string]any{}
			c[i] = fresh
			d.owned[key] = true
			return fresh, nil
		}
		if d.owned[key] {
			return cur, nil
		}
		cloned, err := cloneContainer(cur)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		c[i] = cloned
		d.owned[key] = true
		return cloned, nil

	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", parent, seg)
	}
}

func (d *Draft) assign(parent any, p fieldpath.Path, v any, del bool) error {
	leaf := p[len(p)-1]
	switch c := parent.(type) {
	case map[string]any:
		if del {
			delete(c, leaf)
		} else {
			c[leaf] = v
		}
		d.disown(p)
		return nil

	case []any:
		i, err := strconv.Atoi(leaf)
		if err != nil || i < 0 || i > len(c) {
			return fmt.Errorf("index %q out of range (len %d)", leaf, len(c))
		}
		listPath := p[:len(p)-1]
		switch {
		case del:
			if i == len(c) {
				return fmt.Errorf("index %d out of range (len %d)", i, len(c))
			}
			d.replaceList(listPath, slices.Delete(slices.Clone(c), i, i+1))
			d.disownBelow(listPath)
		case i == len(c):
			d.replaceList(listPath, append(slices.Clone(c), v))
		default:
			c[i] = v
			d.disown(p)
		}
		return nil

	default:
		return fmt.Errorf("cannot assign into %T at %q", parent, leaf)
	}
}

// replaceList stores a new backing slice for the list at listPath. Appends and
// deletes change the slice header, so the parent must be updated.
func (d *Draft) replaceList(listPath fieldpath.Path, list []any) {
	if len(listPath) == 0 {
		return
	}
	parent, _ := lookup(d.root, listPath[:len(listPath)-1])
	seg := listPath[len(listPath)-1]
	switch c := parent.(type) {
	case map[string]any:
		c[seg] = list
	case []any:
		if i, err := strconv.Atoi(seg); err == nil && i >= 0 && i < len(c) {
			c[i] = list
		}
	}
	d.owned[listPath.String()] = true
}

// disown forgets ownership of p and everything under it: the value there was
// supplied by the caller and may be shared.
func (d *Draft) disown(p fieldpath.Path) {
	delete(d.owned, p.String())
	d.disownBelow(p)
}

func (d *Draft) disownBelow(p fieldpath.Path) {
	prefix := p.String() + "."
	for k := range d.owned {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(d.owned, k)
		}
	}
}

func cloneContainer(v any) (any, error) {
	switch c := v.(type) {
	case map[string]any:
		return maps.Clone(c), nil
	case []any:
		return slices.Clone(c), nil
	default:
		return nil, fmt.Errorf("cannot descend into %T", v)
	}
}

func isIndexSegment(seg string) bool {
	return fieldpath.IsIndex(seg)
}
