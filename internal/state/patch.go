package state

import (
	"fmt"
	"strconv"

	"github.com/roach88/statekernel/internal/fieldpath"
)

// OpKind is the kind of a raw patch operation.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
)

// Op is one raw patch operation, as produced by a reducer or loaded from a
// scenario file. Path may use the list marker ("items[].qty") to address
// every row; such an op is applied row by row and flags the draft as
// non-trackable.
type Op struct {
	Op    OpKind `json:"op" yaml:"op"`
	Path  string `json:"path" yaml:"path"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Apply applies ops to d in order. It stops at the first failing op.
func Apply(d *Draft, ops []Op) error {
	for i, op := range ops {
		p := fieldpath.Parse(op.Path)
		var err error
		switch op.Op {
		case OpSet, "":
			err = applyEach(d, p, func(c fieldpath.Path) error { return d.Set(c, op.Value) })
		case OpDelete:
			err = applyEach(d, p, d.Delete)
		default:
			err = fmt.Errorf("unknown op %q", op.Op)
		}
		if err != nil {
			return fmt.Errorf("patch op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return nil
}

// applyEach expands list markers in p against the current draft and calls fn
// for every concrete path.
func applyEach(d *Draft, p fieldpath.Path, fn func(fieldpath.Path) error) error {
	if p.IsConcrete() {
		return fn(p)
	}
	d.MarkNonTrackable()
	for _, c := range Expand(d, p) {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// Expand resolves every list marker in p against r, returning concrete paths
// in row order. Markers over missing or non-list values expand to nothing.
func Expand(r Reader, p fieldpath.Path) []fieldpath.Path {
	out := []fieldpath.Path{{}}
	for _, seg := range p {
		var next []fieldpath.Path
		for _, prefix := range out {
			if seg != fieldpath.ListMarker {
				next = append(next, appendSeg(prefix, seg))
				continue
			}
			v, ok := r.Get(prefix)
			if !ok {
				continue
			}
			rows, ok := v.([]any)
			if !ok {
				continue
			}
			for i := range rows {
				next = append(next, appendSeg(prefix, strconv.Itoa(i)))
			}
		}
		out = next
	}
	return out
}

func appendSeg(p fieldpath.Path, seg string) fieldpath.Path {
	out := make(fieldpath.Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}
