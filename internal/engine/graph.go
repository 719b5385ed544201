package engine

import (
	"sort"
	"strings"

	"github.com/tidemark-io/tidemark/internal/ir"
)

// Graph is the directed acyclic dependency graph of a deployment. Edges
// point from a consuming node to the producers it depends on.
type Graph struct {
	nodes    map[string]*graphNode
	order    []string // topological order (apply order)
	revOrder []string // reverse topological order (destroy order)
}

type graphNode struct {
	name     string
	edges    []string // nodes this node depends on
	revEdges []string // nodes that depend on this node
}

// BuildGraph validates the deployment's node set and produces its DAG.
// Disabled nodes are pruned first; an enabled node referencing a pruned
// node is a DisabledDependencyError, a reference to a node that never
// existed is an UnresolvedReferenceError, and a cycle is a
// CyclicDependencyError. This is a pure validation pass: no provider or
// store call is made.
func BuildGraph(nodes []*ir.ResourceNode) (*Graph, error) {
	declared := make(map[string]*ir.ResourceNode, len(nodes))
	for _, n := range nodes {
		declared[n.Name] = n
	}

	g := &Graph{nodes: make(map[string]*graphNode)}
	for _, n := range nodes {
		if n.IsEnabled() {
			g.nodes[n.Name] = &graphNode{name: n.Name}
		}
	}

	for _, n := range nodes {
		if !n.IsEnabled() {
			continue
		}
		node := g.nodes[n.Name]

		for _, dep := range n.DependsOn {
			if err := g.checkDep(n.Name, dep, declared); err != nil {
				return nil, err
			}
			node.edges = append(node.edges, dep)
		}

		for _, ref := range ExtractRefs(n.Inputs) {
			dep, _ := SplitRef(ref)
			if dep == "" {
				return nil, &UnresolvedReferenceError{Node: n.Name, Ref: ref}
			}
			if err := g.checkDep(n.Name, dep, declared); err != nil {
				return nil, err
			}
			node.edges = append(node.edges, dep)
		}

		node.edges = dedupe(node.edges)
	}

	for name, node := range g.nodes {
		for _, dep := range node.edges {
			g.nodes[dep].revEdges = append(g.nodes[dep].revEdges, name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	g.order = g.topoSort()
	g.revOrder = make([]string, len(g.order))
	for i, name := range g.order {
		g.revOrder[len(g.order)-1-i] = name
	}

	return g, nil
}

// checkDep distinguishes a dangling reference from one to a disabled node.
func (g *Graph) checkDep(node, dep string, declared map[string]*ir.ResourceNode) error {
	if _, ok := g.nodes[dep]; ok {
		return nil
	}
	if d, ok := declared[dep]; ok && !d.IsEnabled() {
		return &DisabledDependencyError{Node: node, Dependency: dep}
	}
	return &UnresolvedReferenceError{Node: node, Ref: dep}
}

// BuildGraphFromRecords builds a destroy-ordering graph from the
// dependency lists persisted in applied records.
func BuildGraphFromRecords(records map[string]*ir.AppliedRecord) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}
	for name := range records {
		g.nodes[name] = &graphNode{name: name}
	}
	for name, rec := range records {
		for _, dep := range rec.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				// dependency already destroyed out of band
				continue
			}
			g.nodes[name].edges = append(g.nodes[name].edges, dep)
		}
		g.nodes[name].edges = dedupe(g.nodes[name].edges)
	}
	for name, node := range g.nodes {
		for _, dep := range node.edges {
			g.nodes[dep].revEdges = append(g.nodes[dep].revEdges, name)
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}
	g.order = g.topoSort()
	g.revOrder = make([]string, len(g.order))
	for i, name := range g.order {
		g.revOrder[len(g.order)-1-i] = name
	}
	return g, nil
}

// ApplyOrder returns nodes in dependency-respecting apply order.
func (g *Graph) ApplyOrder() []string {
	return g.order
}

// DestroyOrder returns nodes in reverse dependency order, safe for
// teardown: dependents come before their dependencies.
func (g *Graph) DestroyOrder() []string {
	return g.revOrder
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return n.edges
	}
	return nil
}

// Dependents returns the direct dependents of a node.
func (g *Graph) Dependents(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return n.revEdges
	}
	return nil
}

// TransitiveDependents returns every node reachable by following
// dependent edges from name, sorted.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range g.Dependents(n) {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// findCycle runs a DFS with recursion-stack marking and returns the first
// cycle found as a node path, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		for _, dep := range g.nodes[name].edges {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// topoSort is Kahn's algorithm. Ready nodes are drained in lexicographic
// order so independent nodes at the same depth always plan the same way.
func (g *Graph) topoSort() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for name, node := range g.nodes {
		inDegree[name] = len(node.edges)
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, name)

		var ready []string
		for _, dependent := range g.nodes[name].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}
	return sorted
}

const refScheme = "ref://"

// ExtractRefs walks a value and collects every ref:// reference in it.
func ExtractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, refScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	case map[any]any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	}
	return refs
}

// SplitRef decomposes "ref://node/output" into its node and output parts.
// Both parts are empty for malformed references.
func SplitRef(ref string) (node, output string) {
	if !strings.HasPrefix(ref, refScheme) {
		return "", ""
	}
	parts := strings.SplitN(ref[len(refScheme):], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
