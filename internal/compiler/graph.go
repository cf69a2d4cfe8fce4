package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/statekernel/internal/fieldpath"
	"github.com/roach88/statekernel/internal/ir"
)

// EdgeKind classifies a dependency edge.
type EdgeKind string

const (
	EdgeComputed EdgeKind = "computed"
	EdgeLink     EdgeKind = "link"
	EdgeValidate EdgeKind = "validate"
	EdgeSource   EdgeKind = "source"
)

// Node is one declared field.
type Node struct {
	ID   fieldpath.ID
	Path fieldpath.Path

	// Writer is the primary writer kind, empty for fields that are only
	// validated or only declare a list.
	Writer     ir.TraitKind
	WriterDecl string

	// List is set when the field declares list-scoped behaviour.
	List *ir.ListSpec
}

// Edge points from a dependency to the field (or check target) that reads it.
type Edge struct {
	Kind EdgeKind
	From fieldpath.ID
	To   fieldpath.ID
	Decl string
}

// Graph is the immutable trait dependency graph of one module.
type Graph struct {
	Nodes []Node
	Edges []Edge

	byID map[fieldpath.ID]int
}

// Node returns the node declared for id.
func (g *Graph) Node(id fieldpath.ID) (Node, bool) {
	i, ok := g.byID[id]
	if !ok {
		return Node{}, false
	}
	return g.Nodes[i], true
}

// BuildGraph builds the dependency graph, interning every path into reg in
// declaration order.
//
// Fails fast with a ConfigError on the first multiple-writer conflict, or on
// a cycle among link edges. The module must already have passed Validate.
func BuildGraph(spec *ir.ModuleSpec, reg *fieldpath.Registry) (*Graph, error) {
	g := &Graph{byID: make(map[fieldpath.ID]int)}

	writerDecl := make(map[fieldpath.ID]string)

	for i, f := range spec.Fields {
		path := fieldpath.Parse(f.Path)
		id := reg.Intern(path)

		idx, exists := g.byID[id]
		if !exists {
			idx = len(g.Nodes)
			g.byID[id] = idx
			g.Nodes = append(g.Nodes, Node{ID: id, Path: path.Canonical()})
		}
		node := &g.Nodes[idx]

		for _, kind := range f.Writers() {
			decl := fmt.Sprintf("fields[%d].%s", i, kind)
			if prev, taken := writerDecl[id]; taken {
				return nil, &ConfigError{
					Code:         ErrCodeMultipleWriters,
					Message:      fmt.Sprintf("field %q has more than one writer", path.Canonical()),
					Paths:        []string{path.Canonical().String()},
					Declarations: []string{prev, decl},
				}
			}
			writerDecl[id] = decl
			node.Writer = kind
			node.WriterDecl = decl
		}

		if f.List != nil {
			node.List = f.List
		}

		if c := f.Computed; c != nil {
			g.addEdges(reg, EdgeComputed, c.Deps, id, fmt.Sprintf("fields[%d].computed", i))
		}
		if l := f.Link; l != nil {
			g.addEdges(reg, EdgeLink, []string{l.From}, id, fmt.Sprintf("fields[%d].link", i))
		}
		if s := f.Source; s != nil {
			g.addEdges(reg, EdgeSource, s.Deps, id, fmt.Sprintf("fields[%d].source", i))
		}
		for j, c := range f.Validate {
			g.addEdges(reg, EdgeValidate, c.Deps, id, fmt.Sprintf("fields[%d].validate[%d]", i, j))
		}
	}

	if cycle := g.linkCycle(reg); cycle != nil {
		return nil, &ConfigError{
			Code:    ErrCodeCycleDetected,
			Message: "link edges form a cycle",
			Paths:   cycle,
		}
	}

	return g, nil
}

func (g *Graph) addEdges(reg *fieldpath.Registry, kind EdgeKind, deps []string, to fieldpath.ID, decl string) {
	for _, d := range deps {
		g.Edges = append(g.Edges, Edge{
			Kind: kind,
			From: reg.Intern(fieldpath.Parse(d)),
			To:   to,
			Decl: decl,
		})
	}
}

// linkCycle returns the field paths of the first link cycle, or nil.
func (g *Graph) linkCycle(reg *fieldpath.Registry) []string {
	adj := make(adjacency)
	for _, e := range g.Edges {
		if e.Kind == EdgeLink {
			adj[int(e.From)] = append(adj[int(e.From)], int(e.To))
		}
	}
	for _, scc := range tarjanSCC(adj) {
		if len(scc) > 1 || adj.hasSelfLoop(scc[0]) {
			path := reconstructCyclePath(scc, adj)
			names := make([]string, len(path))
			for i, n := range path {
				names[i] = reg.Path(fieldpath.ID(n)).String()
			}
			return names
		}
	}
	return nil
}

// Readers returns the IDs of fields whose value is derived from or checked
// against id, in edge order without duplicates.
func (g *Graph) Readers(id fieldpath.ID) []fieldpath.ID {
	var out []fieldpath.ID
	for _, e := range g.Edges {
		if e.From == id && !slices.Contains(out, e.To) {
			out = append(out, e.To)
		}
	}
	return out
}
