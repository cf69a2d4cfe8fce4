package validate

import (
	"maps"
	"reflect"
	"slices"
	"strconv"
)

// FieldErrors holds the failing checks of one non-list field, keyed by check
// key ("path#name").
type FieldErrors struct {
	Errors map[string]any `json:"errors"`
}

// RowError holds the failing checks of one list row.
type RowError struct {
	RowID  string         `json:"$rowId"`
	Errors map[string]any `json:"errors"`
}

// ListErrors holds the row errors of one list, keyed by row index.
type ListErrors struct {
	Rows map[int]*RowError `json:"rows"`
}

// ErrorTree is the validation result of a module instance. Entries only exist
// for failing fields and rows. A tree is immutable once returned by Flush;
// the next Flush builds a new tree reusing unchanged nodes.
type ErrorTree struct {
	Fields map[string]*FieldErrors `json:"fields,omitempty"`
	Lists  map[string]*ListErrors  `json:"lists,omitempty"`
}

// Empty reports whether the tree holds no errors. A nil tree is empty.
func (t *ErrorTree) Empty() bool {
	return t == nil || (len(t.Fields) == 0 && len(t.Lists) == 0)
}

// Field returns the errors of a non-list field by canonical path.
func (t *ErrorTree) Field(path string) (*FieldErrors, bool) {
	if t == nil {
		return nil, false
	}
	f, ok := t.Fields[path]
	return f, ok
}

// List returns the row errors of a list by canonical path.
func (t *ErrorTree) List(path string) (*ListErrors, bool) {
	if t == nil {
		return nil, false
	}
	l, ok := t.Lists[path]
	return l, ok
}

// Row returns the error entry of one row.
func (t *ErrorTree) Row(list string, index int) (*RowError, bool) {
	l, ok := t.List(list)
	if !ok {
		return nil, false
	}
	r, ok := l.Rows[index]
	return r, ok
}

// RowIndexes returns the failing row indexes of a list in ascending order.
func (t *ErrorTree) RowIndexes(list string) []int {
	l, ok := t.List(list)
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(l.Rows))
}

// Count returns the number of individual check failures in the tree.
func (t *ErrorTree) Count() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, f := range t.Fields {
		n += len(f.Errors)
	}
	for _, l := range t.Lists {
		for _, r := range l.Rows {
			n += len(r.Errors)
		}
	}
	return n
}

// Flatten renders the tree as "path -> check key -> payload" with row paths
// written as "list.<index>". Used for display and golden files.
func (t *ErrorTree) Flatten() map[string]map[string]any {
	if t.Empty() {
		return nil
	}
	out := make(map[string]map[string]any)
	for path, f := range t.Fields {
		out[path] = f.Errors
	}
	for path, l := range t.Lists {
		for i, r := range l.Rows {
			out[path+"."+strconv.Itoa(i)] = r.Errors
		}
	}
	return out
}

// mergeErrors returns prev's errors with every key in ran removed and
// results added. The returned map is new; prev is never modified.
func mergeErrors(prev map[string]any, ran map[string]bool, results map[string]any) map[string]any {
	out := make(map[string]any, len(prev)+len(results))
	for k, v := range prev {
		if !ran[k] {
			out[k] = v
		}
	}
	maps.Copy(out, results)
	return out
}

func sameErrors(a, b map[string]any) bool {
	return reflect.DeepEqual(a, b)
}
