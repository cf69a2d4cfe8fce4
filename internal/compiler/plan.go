package compiler

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/ir"
)

// StepKind is the kind of a plan step.
type StepKind string

const (
	StepComputedUpdate StepKind = "computed-update"
	StepLinkPropagate  StepKind = "link-propagate"
	StepSourceRefresh  StepKind = "source-refresh"
	StepCheck          StepKind = "check"
)

// IsWriter reports whether steps of this kind write their target.
func (k StepKind) IsWriter() bool {
	return k != StepCheck
}

// Step is one executable plan entry. ID equals the step's topological rank.
type Step struct {
	ID        int
	Kind      StepKind
	Target    fieldpath.Path
	TargetID  fieldpath.ID
	Sources   []fieldpath.Path
	SourceIDs []fieldpath.ID
	Decl      string

	Derive   ir.DeriveFunc // computed-update
	Resource string        // source-refresh
	CheckID  int           // check: index into Program.Checks
}

// Plan is the ordered step list of one module. Immutable after BuildPlan.
type Plan struct {
	Steps []Step

	downstream [][]int                // step -> steps reading its target
	readers    map[fieldpath.ID][]int // registered path -> steps reading it
	writers    map[fieldpath.ID][]int // registered path -> writer steps targeting it
}

// BuildPlan orders the module's steps topologically.
//
// Step B depends on writer step A when one of B's sources overlaps A's
// target, or when B writes inside A's target: A replaces the whole value, so
// B must run after it or its write is lost. Ties are broken by declaration order, so the same declarations
// always produce the same plan. A dependency cycle between steps fails with
// cycle_detected naming the target paths involved.
func BuildPlan(spec *ir.ModuleSpec, reg *fieldpath.Registry, checks []Check) (*Plan, error) {
	decl := declaredSteps(spec, reg, checks)

	n := len(decl)
	deps := make(adjacency, n) // prerequisite -> dependents
	indegree := make([]int, n)
	for b := range decl {
		for a := range decl {
			if !decl[a].Kind.IsWriter() || !(readsFrom(decl[b], decl[a]) || writesInside(decl[b], decl[a])) {
				continue
			}
			deps[a] = append(deps[a], b)
			indegree[b]++
		}
	}

	// Kahn's algorithm with a min-heap on declaration index for stable ties.
	ready := &intHeap{}
	for i := range decl {
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]int, 0, n)
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, j := range deps[i] {
			indegree[j]--
			if indegree[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	if len(order) < n {
		return nil, stepCycleError(decl, deps, indegree)
	}

	rank := make([]int, n)
	p := &Plan{Steps: make([]Step, n)}
	for r, i := range order {
		rank[i] = r
		s := decl[i]
		s.ID = r
		p.Steps[r] = s
	}

	p.downstream = make([][]int, n)
	for a, bs := range deps {
		for _, b := range bs {
			p.downstream[rank[a]] = append(p.downstream[rank[a]], rank[b])
		}
	}
	for i := range p.downstream {
		slices.Sort(p.downstream[i])
	}

	p.readers = make(map[fieldpath.ID][]int)
	p.writers = make(map[fieldpath.ID][]int)
	for id, path := range reg.Paths() {
		fid := fieldpath.ID(id)
		for _, s := range p.Steps {
			if s.readsPath(path) {
				p.readers[fid] = append(p.readers[fid], s.ID)
			}
			if s.Kind.IsWriter() && fieldpath.Overlaps(s.Target, path) {
				p.writers[fid] = append(p.writers[fid], s.ID)
			}
		}
	}

	return p, nil
}

// declaredSteps lists steps in declaration order: per field, its writer
// first, then its field checks; list checks follow with the list's field.
func declaredSteps(spec *ir.ModuleSpec, reg *fieldpath.Registry, checks []Check) []Step {
	checksByDecl := make(map[string]int, len(checks))
	for _, c := range checks {
		checksByDecl[c.Decl] = c.ID
	}

	var steps []Step
	for i, f := range spec.Fields {
		target := fieldpath.Parse(f.Path)
		targetID := reg.Intern(target)

		newStep := func(kind StepKind, decl string, sources []string) Step {
			s := Step{Kind: kind, Target: target, TargetID: targetID, Decl: decl}
			for _, src := range sources {
				sp := fieldpath.Parse(src)
				s.Sources = append(s.Sources, sp)
				s.SourceIDs = append(s.SourceIDs, reg.Intern(sp))
			}
			return s
		}

		if c := f.Computed; c != nil {
			s := newStep(StepComputedUpdate, fmt.Sprintf("fields[%d].computed", i), c.Deps)
			s.Derive = c.Get
			steps = append(steps, s)
		}
		if l := f.Link; l != nil {
			steps = append(steps, newStep(StepLinkPropagate, fmt.Sprintf("fields[%d].link", i), []string{l.From}))
		}
		if src := f.Source; src != nil {
			s := newStep(StepSourceRefresh, fmt.Sprintf("fields[%d].source", i), src.Deps)
			s.Resource = src.Resource
			steps = append(steps, s)
		}
		for j, c := range f.Validate {
			d := fmt.Sprintf("fields[%d].validate[%d]", i, j)
			s := newStep(StepCheck, d, append([]string{f.Path}, c.Deps...))
			s.CheckID = checksByDecl[d]
			steps = append(steps, s)
		}
		if f.List != nil {
			for j, c := range f.List.Checks {
				d := fmt.Sprintf("fields[%d].list.checks[%d]", i, j)
				s := newStep(StepCheck, d, append([]string{f.Path}, c.Deps...))
				s.CheckID = checksByDecl[d]
				steps = append(steps, s)
			}
		}
	}
	return steps
}

// readsFrom reports whether b reads a value that writer a produces.
func readsFrom(b, a Step) bool {
	return b.readsPath(a.Target)
}

// writesInside reports whether writer b targets a path strictly nested in
// writer a's target.
func writesInside(b, a Step) bool {
	return b.Kind.IsWriter() && len(b.Target) > len(a.Target) && b.Target.HasPrefix(a.Target)
}

func (s Step) readsPath(p fieldpath.Path) bool {
	for _, src := range s.Sources {
		if fieldpath.Overlaps(src, p) {
			return true
		}
	}
	return false
}

// stepCycleError reports the first dependency cycle among the steps Kahn's
// algorithm could not schedule.
func stepCycleError(decl []Step, deps adjacency, indegree []int) error {
	stuck := make(adjacency)
	for a, bs := range deps {
		if indegree[a] == 0 {
			continue
		}
		for _, b := range bs {
			if indegree[b] > 0 {
				stuck[a] = append(stuck[a], b)
			}
		}
	}

	var paths, decls []string
	for _, scc := range tarjanSCC(stuck) {
		if len(scc) > 1 || stuck.hasSelfLoop(scc[0]) {
			for _, i := range reconstructCyclePath(scc, stuck) {
				paths = append(paths, decl[i].Target.String())
			}
			for _, i := range scc {
				decls = append(decls, decl[i].Decl)
			}
			break
		}
	}

	return &ConfigError{
		Code:         ErrCodeCycleDetected,
		Message:      "write-ordering dependencies form a cycle",
		Paths:        paths,
		Declarations: decls,
	}
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.Steps) }

// Readers returns the IDs of steps that read the registered path id.
func (p *Plan) Readers(id fieldpath.ID) []int { return p.readers[id] }

// Reachable returns, in plan order, every step transitively reachable from
// the dirty roots: steps that read a root, and every step downstream of those.
// A raw write to a derived target also schedules that target's writer, so
// the derived value is restored exactly as a full pass would.
func (p *Plan) Reachable(roots []fieldpath.ID) []int {
	seen := make([]bool, len(p.Steps))
	var queue []int
	mark := func(s int) {
		if !seen[s] {
			seen[s] = true
			queue = append(queue, s)
		}
	}
	for _, r := range roots {
		for _, s := range p.readers[r] {
			mark(s)
		}
		for _, s := range p.writers[r] {
			mark(s)
		}
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, d := range p.downstream[s] {
			mark(d)
		}
	}

	out := make([]int, 0, len(queue))
	for i, ok := range seen {
		if ok {
			out = append(out, i)
		}
	}
	return out
}

// intHeap is a min-heap of ints for container/heap.
type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
