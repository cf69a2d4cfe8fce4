package converge

import (
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/state"
)

// DirtyReason explains why a dirty set is "all".
type DirtyReason string

const (
	// DirtyUnknownWrite: the whole tree was replaced.
	DirtyUnknownWrite DirtyReason = "unknownWrite"
	// DirtyNonTrackablePatch: a patch addressed many rows at once.
	DirtyNonTrackablePatch DirtyReason = "nonTrackablePatch"
	// DirtyFallbackPolicy: the precise root set exceeded MaxDirtyRoots.
	DirtyFallbackPolicy DirtyReason = "fallbackPolicy"
)

// DirtySet is either a sorted set of changed root field path IDs or an
// "all" marker with a reason.
type DirtySet struct {
	All    bool
	Reason DirtyReason
	Roots  []fieldpath.ID
}

// DirtyAll returns an "all" dirty set.
func DirtyAll(reason DirtyReason) DirtySet {
	return DirtySet{All: true, Reason: reason}
}

// DirtyRoots returns a dirty set over ids, sorted and deduplicated.
func DirtyRoots(ids ...fieldpath.ID) DirtySet {
	roots := slices.Clone(ids)
	slices.Sort(roots)
	return DirtySet{Roots: slices.Compact(roots)}
}

// Empty reports whether nothing tracked changed.
func (d DirtySet) Empty() bool {
	return !d.All && len(d.Roots) == 0
}

// Signature is the stable cache key of the dirty set: the sorted root IDs
// joined by commas, or "*" plus the reason for an "all" set.
func (d DirtySet) Signature() string {
	if d.All {
		return "*" + string(d.Reason)
	}
	var b strings.Builder
	for i, id := range d.Roots {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(id)))
	}
	return b.String()
}

// DirtyFromDraft derives the dirty set of a draft's raw writes. Each written
// path marks every registered path it overlaps. Writes that touch no
// registered path cannot affect any trait and are ignored.
//
// maxRoots <= 0 disables the fallback.
func DirtyFromDraft(d *state.Draft, reg *fieldpath.Registry, maxRoots int) DirtySet {
	switch {
	case d.Unknown():
		return DirtyAll(DirtyUnknownWrite)
	case d.NonTrackable():
		return DirtyAll(DirtyNonTrackablePatch)
	}

	var ids []fieldpath.ID
	for _, w := range d.Writes() {
		ids = append(ids, reg.Overlapping(w)...)
	}
	set := DirtyRoots(ids...)
	if maxRoots > 0 && len(set.Roots) > maxRoots {
		return DirtyAll(DirtyFallbackPolicy)
	}
	return set
}
