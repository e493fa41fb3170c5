package engine

import (
	"sort"

	"github.com/rendis/agentloom/pkg/schema"
)

// graph is the validated dependency index of one run's nodes.
type graph struct {
	nodes      map[string]*Node
	order      []string            // declaration order, the readiness tie-break
	deps       map[string][]string // node ID → dependencies
	dependents map[string][]string // node ID → nodes that depend on it
	sorted     []string            // topological order
}

// Plan is the static execution shape of a node set.
type Plan struct {
	Sorted []string   // topological order
	Roots  []string   // nodes with no dependencies
	Levels [][]string // nodes whose dependencies are all in earlier levels
}

// buildGraph validates nodes and indexes their dependencies. It rejects empty
// and duplicate IDs, missing run bodies, unknown or repeated dependencies,
// self-dependencies and cycles.
func buildGraph(nodes []Node) (*graph, error) {
	g := &graph{
		nodes:      make(map[string]*Node, len(nodes)),
		order:      make([]string, 0, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}

	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", n.ID)
		}
		if n.Run == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "node has no run function").WithNode(n.ID)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		seen := make(map[string]bool, len(n.DependsOn))
		deps := make([]string, 0, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if dep == id {
				return nil, schema.NewError(schema.ErrCodeCycleDetected, "node depends on itself").WithNode(id)
			}
			if _, exists := g.nodes[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "depends on unknown node %s", dep).WithNode(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate dependency %s", dep).WithNode(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
		g.deps[id] = deps
	}

	// Kahn's algorithm, seeded in declaration order.
	inDegree := make(map[string]int, len(g.order))
	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.deps[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dep := range g.dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.order) {
		var stuck []string
		for _, id := range g.order {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "node graph contains a cycle").
			WithDetails(map[string]any{"nodes": stuck})
	}
	g.sorted = sorted

	return g, nil
}

// ready reports whether every dependency of id is in done.
func (g *graph) ready(id string, done map[string]bool) bool {
	for _, dep := range g.deps[id] {
		if !done[dep] {
			return false
		}
	}
	return true
}

// BuildPlan validates nodes and returns their topological order and parallel
// levels without running anything.
func BuildPlan(nodes []Node) (*Plan, error) {
	g, err := buildGraph(nodes)
	if err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(g.sorted))
	maxLevel := 0
	for _, id := range g.sorted {
		d := 0
		for _, dep := range g.deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	p := &Plan{Sorted: g.sorted}
	if len(g.sorted) == 0 {
		return p, nil
	}
	p.Levels = make([][]string, maxLevel+1)
	for _, id := range g.sorted {
		p.Levels[depth[id]] = append(p.Levels[depth[id]], id)
		if depth[id] == 0 {
			p.Roots = append(p.Roots, id)
		}
	}
	return p, nil
}
