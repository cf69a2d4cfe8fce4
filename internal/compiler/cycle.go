package compiler

import "slices"

// adjacency maps a node to its successors. Nodes are plain ints so the same
// analysis serves field IDs (link edges) and step indices (write ordering).
type adjacency map[int][]int

// hasSelfLoop checks if a node has an edge to itself.
func (a adjacency) hasSelfLoop(node int) bool {
	return slices.Contains(a[node], node)
}

// nodes returns every node mentioned in the graph, sorted, so that SCC
// discovery order is deterministic.
func (a adjacency) nodes() []int {
	seen := make(map[int]bool)
	var out []int
	for from, tos := range a {
		if !seen[from] {
			seen[from] = true
			out = append(out, from)
		}
		for _, to := range tos {
			if !seen[to] {
				seen[to] = true
				out = append(out, to)
			}
		}
	}
	slices.Sort(out)
	return out
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns SCCs in discovery order. Single-node SCCs without self-loops are
// NOT cycles; callers filter them.
func tarjanSCC(graph adjacency) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make(map[int]int)
		lowlink = make(map[int]int)
		onStack = make(map[int]bool)
		sccs    [][]int
	)

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack into one SCC
		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, node := range graph.nodes() {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// reconstructCyclePath builds a closed walk through an SCC, starting and
// ending at its smallest member: [a, b, c, a]. A self-loop yields [a, a].
func reconstructCyclePath(scc []int, graph adjacency) []int {
	if len(scc) == 0 {
		return nil
	}
	if len(scc) == 1 {
		return []int{scc[0], scc[0]}
	}

	inSCC := make(map[int]bool, len(scc))
	for _, n := range scc {
		inSCC[n] = true
	}

	start := scc[0]
	current := start
	path := []int{current}
	visited := make(map[int]bool)

	for {
		visited[current] = true

		next, found := 0, false
		for _, neighbor := range graph[current] {
			if inSCC[neighbor] && (!visited[neighbor] || neighbor == start) {
				next, found = neighbor, true
				break
			}
		}
		if !found {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}
