package engine

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeType describes how a dependency is consumed by its dependent.
type EdgeType string

const (
	// EdgeRequire is a reference whose failure fails the dependent.
	EdgeRequire EdgeType = "require"

	// EdgeOptional is a reference under OPT.
	EdgeOptional EdgeType = "optional"

	// EdgeConditional is a reference under OIF; it never creates demand.
	EdgeConditional EdgeType = "conditional"
)

// strength orders edge types so that a pair referenced several times keeps its
// strongest form.
func (t EdgeType) strength() int {
	switch t {
	case EdgeRequire:
		return 2
	case EdgeOptional:
		return 1
	default:
		return 0
	}
}

// Edge is a dependency edge: From must resolve before To can.
type Edge struct {
	From ID
	To   ID
	Type EdgeType
}

// Graph is the static dependency graph of a registry. It is immutable once built.
type Graph struct {
	// order is the declaration order of all entities
	order []ID

	// index maps an entity to its declaration position
	index map[ID]int

	// dependencies maps an entity to the entities its expression references
	dependencies map[ID][]ID

	// dependents maps an entity to the entities whose expression references it
	dependents map[ID][]ID

	// edges holds one edge per (from, to) pair, in declaration order of To
	edges []Edge

	// levels groups entities by topological level; level 0 has no dependencies
	levels [][]ID

	// level maps an entity to its topological level
	level map[ID]int
}

// buildGraph constructs the dependency graph, rejecting dangling references and cycles.
func buildGraph(entities []*Entity) (*Graph, error) {
	g := &Graph{
		order:        make([]ID, 0, len(entities)),
		index:        make(map[ID]int, len(entities)),
		dependencies: make(map[ID][]ID, len(entities)),
		dependents:   make(map[ID][]ID, len(entities)),
		level:        make(map[ID]int, len(entities)),
	}

	for i, ent := range entities {
		g.order = append(g.order, ent.ID)
		g.index[ent.ID] = i
	}

	for _, ent := range entities {
		if ent.Depends == nil {
			continue
		}
		types := make(map[ID]EdgeType)
		var refs []ID
		collectEdges(ent.Depends, EdgeRequire, func(id ID, t EdgeType) {
			prev, seen := types[id]
			if !seen {
				refs = append(refs, id)
			}
			if !seen || t.strength() > prev.strength() {
				types[id] = t
			}
		})

		for _, ref := range refs {
			if _, exists := g.index[ref]; !exists {
				return nil, NewConfigurationError(
					fmt.Sprintf("%s references undeclared entity %s", ent.ID, ref),
					nil,
				).WithCode(ErrCodeDanglingReference).WithEntity(ent.ID)
			}
			g.dependencies[ent.ID] = append(g.dependencies[ent.ID], ref)
			g.dependents[ref] = append(g.dependents[ref], ent.ID)
			g.edges = append(g.edges, Edge{From: ref, To: ent.ID, Type: types[ref]})
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	if err := g.computeLevels(); err != nil {
		return nil, err
	}

	return g, nil
}

// collectEdges walks e and reports each reference with the weakest wrapper on its path.
func collectEdges(e Expr, t EdgeType, fn func(ID, EdgeType)) {
	switch x := e.(type) {
	case ID:
		fn(x, t)
	case *AllExpr:
		for _, c := range x.Children {
			collectEdges(c, t, fn)
		}
	case *OneExpr:
		for _, c := range x.Children {
			collectEdges(c, t, fn)
		}
	case *SeqExpr:
		for _, c := range x.Children {
			collectEdges(c, t, fn)
		}
	case *OptExpr:
		if t == EdgeRequire {
			t = EdgeOptional
		}
		collectEdges(x.Child, t, fn)
	case *OIfExpr:
		collectEdges(x.Child, EdgeConditional, fn)
	}
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *Graph) detectCycles() error {
	visited := make(map[ID]bool)
	recStack := make(map[ID]bool)

	for _, id := range g.order {
		if visited[id] {
			continue
		}
		if cycle := g.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewConfigurationError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCycle).WithEntity(cycle[0]).WithDetail("cycle", formatCycle(cycle))
		}
	}

	return nil
}

// detectCyclesUtil performs DFS along dependency edges and returns the cycle path if found.
func (g *Graph) detectCyclesUtil(id ID, visited, recStack map[ID]bool, path []ID) []ID {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dep := range g.dependencies[id] {
		if !visited[dep] {
			if cycle := g.detectCyclesUtil(dep, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, p := range path {
				if p == dep {
					cycle := make([]ID, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, dep)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels assigns topological levels using Kahn's algorithm. Entities within a
// level keep declaration order.
func (g *Graph) computeLevels() error {
	inDegree := make(map[ID]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
	}

	current := make([]ID, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		for _, id := range current {
			g.level[id] = len(g.levels)
		}
		g.levels = append(g.levels, current)
		processed += len(current)

		next := make([]ID, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return g.index[next[i]] < g.index[next[j]] })
		current = next
	}

	if processed != len(g.order) {
		return NewInternalError("failed to order all entities - possible cycle", nil)
	}

	return nil
}

// Levels returns entities grouped by topological level.
func (g *Graph) Levels() [][]ID {
	out := make([][]ID, len(g.levels))
	for i, lvl := range g.levels {
		out[i] = append([]ID(nil), lvl...)
	}
	return out
}

// Level returns the topological level of id, or -1 if it is not in the graph.
func (g *Graph) Level(id ID) int {
	if lvl, ok := g.level[id]; ok {
		return lvl
	}
	return -1
}

// Depth returns the number of topological levels.
func (g *Graph) Depth() int {
	return len(g.levels)
}

// Dependencies returns the entities referenced by id's expression.
func (g *Graph) Dependencies(id ID) []ID {
	return append([]ID(nil), g.dependencies[id]...)
}

// Dependents returns the entities whose expression references id.
func (g *Graph) Dependents(id ID) []ID {
	return append([]ID(nil), g.dependents[id]...)
}

// Edges returns every dependency edge.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Reachable returns the set of entities reachable from roots by following
// dependency edges of every type, roots included.
func (g *Graph) Reachable(roots ...ID) map[ID]bool {
	seen := make(map[ID]bool)
	stack := append([]ID(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		if _, ok := g.index[id]; !ok {
			continue
		}
		seen[id] = true
		stack = append(stack, g.dependencies[id]...)
	}
	return seen
}

// TopologicalOrder returns every entity, dependencies first. Ties keep declaration order.
func (g *Graph) TopologicalOrder() []ID {
	out := make([]ID, 0, len(g.order))
	for _, lvl := range g.levels {
		out = append(out, lvl...)
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools. When states is non-nil, nodes are
// colored by state instead of kind.
func (g *Graph) ToDOT(states map[ID]State) string {
	var sb strings.Builder

	sb.WriteString("digraph Workflow {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			color := getKindColor(id.Kind)
			label := fmt.Sprintf("%s\\n%s", id.Name, id.Kind)
			if states != nil {
				if st, ok := states[id]; ok {
					color = getStateColor(st)
					label = fmt.Sprintf("%s\\n%s", label, st)
				}
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", shape=%s, fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, getKindShape(id.Kind), color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
			edge.To, edge.From, getEdgeStyle(edge.Type)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []ID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = id.String()
	}
	return strings.Join(parts, " -> ")
}

func getKindColor(k Kind) string {
	switch k {
	case KindParam:
		return "lightyellow"
	case KindCheckpoint:
		return "lightblue"
	case KindService:
		return "lightgreen"
	case KindUserTarget:
		return "plum"
	default:
		return "white"
	}
}

func getKindShape(k Kind) string {
	switch k {
	case KindParam:
		return "ellipse"
	case KindCheckpoint:
		return "diamond"
	default:
		return "box"
	}
}

func getStateColor(s State) string {
	switch s {
	case StateCompleted:
		return "lightgreen"
	case StateRunnable:
		return "gold"
	case StateStarted:
		return "orange"
	case StateFailed, StateExcluded:
		return "lightcoral"
	case StateSkipped, StateAbsent:
		return "lightgray"
	default:
		return "white"
	}
}

// getEdgeStyle returns a DOT style string for edge types.
func getEdgeStyle(t EdgeType) string {
	switch t {
	case EdgeOptional:
		return "style=dashed, color=blue"
	case EdgeConditional:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
