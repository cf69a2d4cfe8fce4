package compiler

import (
	"fmt"
	"log/slog"

	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/ir"
)

// Check is one compiled validation rule.
type Check struct {
	ID   int
	Name string
	Key  string // canonical path + "#" + name, unique per program
	Decl string

	// Path is the declared path. For field checks inside a list it carries
	// the list marker ("items[].sku"); for list checks it is the list path.
	Path fieldpath.Path

	// Scope is the owning list for list-scoped checks, else Path.
	Scope      fieldpath.Path
	ListScoped bool

	// RowLevel is set for cross-row checks declared under list.checks.
	RowLevel bool

	Deps   []fieldpath.Path
	Params map[string]any
	Fn     ir.CheckFunc
	RowFn  ir.RowCheckFunc
}

// Program is the immutable compiled form of one module. It is shared
// read-only by every engine instance of the module.
type Program struct {
	Spec     *ir.ModuleSpec
	Registry *fieldpath.Registry
	Graph    *Graph
	Plan     *Plan
	StaticIR StaticIR
	Checks   []Check

	lists map[string]*ir.ListSpec
}

// Compile validates, builds and plans a module declaration.
//
// Schema violations are returned together as a *SchemaError; structural
// conflicts as a *ConfigError.
func Compile(spec *ir.ModuleSpec) (*Program, error) {
	if errs := Validate(spec); len(errs) > 0 {
		return nil, &SchemaError{Errors: errs}
	}

	reg := fieldpath.NewRegistry()
	graph, err := BuildGraph(spec, reg)
	if err != nil {
		return nil, fmt.Errorf("build graph for module %s: %w", spec.ID, err)
	}

	checks := compileChecks(spec)
	for _, c := range checks {
		reg.Intern(c.Path)
		for _, d := range c.Deps {
			reg.Intern(d)
		}
	}

	plan, err := BuildPlan(spec, reg, checks)
	if err != nil {
		return nil, fmt.Errorf("build plan for module %s: %w", spec.ID, err)
	}
	reg.Freeze()

	static, err := ComputeStaticIR(spec, reg, plan, checks)
	if err != nil {
		return nil, fmt.Errorf("static ir for module %s: %w", spec.ID, err)
	}

	p := &Program{
		Spec:     spec,
		Registry: reg,
		Graph:    graph,
		Plan:     plan,
		StaticIR: static,
		Checks:   checks,
		lists:    make(map[string]*ir.ListSpec),
	}
	for _, f := range spec.Fields {
		if f.List != nil {
			p.lists[fieldpath.Parse(f.Path).Key()] = f.List
		}
	}

	slog.Debug("module compiled",
		"module", spec.ID,
		"fields", reg.Len(),
		"steps", plan.Len(),
		"checks", len(checks),
		"static_ir", static.Digest,
	)

	return p, nil
}

func compileChecks(spec *ir.ModuleSpec) []Check {
	var checks []Check
	add := func(c Check) {
		c.ID = len(checks)
		c.Key = checkKey(c.Path, c.Name)
		checks = append(checks, c)
	}

	for i, f := range spec.Fields {
		path := fieldpath.Parse(f.Path).Canonical()
		scope, inList := path.ListScope()
		if !inList {
			scope = path
		}

		for j, c := range f.Validate {
			add(Check{
				Name:       c.Name,
				Decl:       fmt.Sprintf("fields[%d].validate[%d]", i, j),
				Path:       path,
				Scope:      scope,
				ListScoped: inList,
				Deps:       parsePaths(c.Deps),
				Params:     c.Params,
				Fn:         c.Check,
			})
		}
		if f.List != nil {
			for j, c := range f.List.Checks {
				add(Check{
					Name:       c.Name,
					Decl:       fmt.Sprintf("fields[%d].list.checks[%d]", i, j),
					Path:       path,
					Scope:      path,
					ListScoped: true,
					RowLevel:   true,
					Deps:       parsePaths(c.Deps),
					Params:     c.Params,
					RowFn:      c.RowCheck,
				})
			}
		}
	}
	return checks
}

func parsePaths(ss []string) []fieldpath.Path {
	if len(ss) == 0 {
		return nil
	}
	out := make([]fieldpath.Path, len(ss))
	for i, s := range ss {
		out[i] = fieldpath.Parse(s)
	}
	return out
}

// ListScopeOf normalizes a path to the declared list owning it:
// "items.3.sku", "items[].sku" and "items" all resolve to "items" when a list
// trait is declared there. ok is false for paths outside any declared list.
func (p *Program) ListScopeOf(path fieldpath.Path) (fieldpath.Path, bool) {
	if scope, crosses := path.ListScope(); crosses {
		if _, declared := p.lists[scope.Key()]; declared {
			return scope, true
		}
		return nil, false
	}
	if _, declared := p.lists[path.Key()]; declared {
		return path.Canonical(), true
	}
	return nil, false
}

// List returns the list declaration at path.
func (p *Program) List(path fieldpath.Path) (*ir.ListSpec, bool) {
	l, ok := p.lists[path.Key()]
	return l, ok
}

// Lists returns the canonical paths of every declared list.
func (p *Program) Lists() []string {
	out := make([]string, 0, len(p.lists))
	for _, f := range p.Spec.Fields {
		if f.List != nil {
			out = append(out, fieldpath.Parse(f.Path).Key())
		}
	}
	return out
}
