package compiler

import (
	"fmt"

	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/ir"
)

// StaticIR is the structural digest of a compiled program.
//
// It depends only on declarations (paths, writer kinds, dependency shape,
// function and check names), never on instance identity or time. Two
// compilations of the same declarations yield the same digest; any structural
// change yields a different one.
type StaticIR struct {
	WritersKey    string `json:"writersKey"`
	DepsKey       string `json:"depsKey"`
	FieldPathsKey string `json:"fieldPathsKey"`
	Digest        string `json:"digest"`
}

// ComputeStaticIR digests the program structure.
func ComputeStaticIR(spec *ir.ModuleSpec, reg *fieldpath.Registry, plan *Plan, checks []Check) (StaticIR, error) {
	var writers []any
	for _, f := range spec.Fields {
		for _, kind := range f.Writers() {
			w := map[string]any{
				"target": fieldpath.Parse(f.Path).Key(),
				"kind":   string(kind),
			}
			switch kind {
			case ir.TraitComputed:
				w["fn"] = f.Computed.Fn
			case ir.TraitLink:
				w["from"] = fieldpath.Parse(f.Link.From).Key()
			case ir.TraitSource:
				w["resource"] = f.Source.Resource
			case ir.TraitExternalStore:
				w["store"] = f.ExternalStore.Store
			}
			writers = append(writers, w)
		}
	}

	var deps []any
	for _, s := range plan.Steps {
		sources := make([]string, len(s.Sources))
		for i, src := range s.Sources {
			sources[i] = src.Key()
		}
		d := map[string]any{
			"step":    s.ID,
			"kind":    string(s.Kind),
			"target":  s.Target.Key(),
			"sources": sources,
		}
		if s.Kind == StepCheck {
			c := checks[s.CheckID]
			d["check"] = c.Name
			d["rowLevel"] = c.RowLevel
		}
		deps = append(deps, d)
	}

	paths := make([]string, 0, reg.Len())
	for _, p := range reg.Paths() {
		paths = append(paths, p.String())
	}

	var (
		out StaticIR
		err error
	)
	if out.WritersKey, err = ir.Digest(ir.DomainWriters, writers); err != nil {
		return StaticIR{}, fmt.Errorf("writers key: %w", err)
	}
	if out.DepsKey, err = ir.Digest(ir.DomainDeps, deps); err != nil {
		return StaticIR{}, fmt.Errorf("deps key: %w", err)
	}
	if out.FieldPathsKey, err = ir.Digest(ir.DomainFieldPaths, paths); err != nil {
		return StaticIR{}, fmt.Errorf("field paths key: %w", err)
	}
	out.Digest, err = ir.Digest(ir.DomainStaticIR, map[string]any{
		"irVersion":     ir.IRVersion,
		"writersKey":    out.WritersKey,
		"depsKey":       out.DepsKey,
		"fieldPathsKey": out.FieldPathsKey,
	})
	if err != nil {
		return StaticIR{}, fmt.Errorf("static ir digest: %w", err)
	}
	return out, nil
}
