// Package graph builds and validates the dependency graph of a batch.
package graph

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/task"
)

// Graph is an acyclic dependency graph over a fixed set of units. It is
// immutable after Build.
type Graph struct {
	units map[string]task.WorkUnit
	order []string
	index map[string]int
	preds map[string][]string
	succs map[string][]string
}

// BuildOption configures Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	satisfied map[string]bool
}

// WithSatisfied treats the given ids as completed dependencies outside the
// graph. Units may depend on them; the edges are dropped.
func WithSatisfied(ids ...string) BuildOption {
	return func(o *buildOptions) {
		for _, id := range ids {
			o.satisfied[id] = true
		}
	}
}

// Build validates units and returns their graph. Units are copied. It
// fails on an empty or duplicate id, a dependency outside the batch, or a
// cycle, in which case the returned CycleError names the cycle.
func Build(units []task.WorkUnit, opts ...BuildOption) (*Graph, error) {
	o := &buildOptions{satisfied: make(map[string]bool)}
	for _, opt := range opts {
		opt(o)
	}

	g := &Graph{
		units: make(map[string]task.WorkUnit, len(units)),
		order: make([]string, 0, len(units)),
		index: make(map[string]int, len(units)),
		preds: make(map[string][]string, len(units)),
		succs: make(map[string][]string, len(units)),
	}

	for i, u := range units {
		if u.ID == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("unit at index %d has no id", i)).
				WithField("id")
		}
		if _, dup := g.units[u.ID]; dup {
			return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateUnit, u.ID)
		}
		g.units[u.ID] = u.Clone()
		g.index[u.ID] = i
		g.order = append(g.order, u.ID)
	}

	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.units[id].Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := g.units[dep]; !ok {
				if o.satisfied[dep] {
					continue
				}
				return nil, fmt.Errorf("%w: %s depends on %s", errors.ErrUnknownDependency, id, dep)
			}
			g.preds[id] = append(g.preds[id], dep)
			g.succs[dep] = append(g.succs[dep], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.NewCycleError(cycle)
	}
	return g, nil
}

// findCycle runs a depth-first search keeping the current path on a
// recursion stack. It returns the first cycle found, with the entry id
// repeated at the end, or nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range g.preds[id] {
			switch state[dep] {
			case onStack:
				start := slices.Index(stack, dep)
				cycle := slices.Clone(stack[start:])
				// The stack follows dependency edges backwards; report
				// the cycle in execution order.
				slices.Reverse(cycle)
				return append(cycle, cycle[0])
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// Len returns the number of units.
func (g *Graph) Len() int { return len(g.order) }

// IDs returns unit ids in submission order.
func (g *Graph) IDs() []string { return slices.Clone(g.order) }

// Units returns copies of the units in submission order.
func (g *Graph) Units() []task.WorkUnit {
	out := make([]task.WorkUnit, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.units[id].Clone())
	}
	return out
}

// Unit returns a copy of the unit with id.
func (g *Graph) Unit(id string) (task.WorkUnit, bool) {
	u, ok := g.units[id]
	if !ok {
		return task.WorkUnit{}, false
	}
	return u.Clone(), true
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.units[id]
	return ok
}

// Index returns the submission position of id, or -1.
func (g *Graph) Index(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Predecessors returns the in-graph dependencies of id.
func (g *Graph) Predecessors(id string) []string { return slices.Clone(g.preds[id]) }

// Successors returns the units that depend directly on id.
func (g *Graph) Successors(id string) []string { return slices.Clone(g.succs[id]) }

// Roots returns the units with no in-graph dependencies, in submission order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.preds[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Descendants returns every unit reachable from id through successor
// edges, in submission order.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, s := range g.succs[n] {
			if !seen[s] {
				seen[s] = true
				walk(s)
			}
		}
	}
	walk(id)
	var out []string
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// Ordered reports whether the graph forces a and b to run one after the
// other, that is, one is reachable from the other.
func (g *Graph) Ordered(a, b string) bool {
	return g.reaches(a, b) || g.reaches(b, a)
}

func (g *Graph) reaches(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, s := range g.succs[n] {
			if s == to {
				return true
			}
			if !seen[s] {
				seen[s] = true
				queue = append(queue, s)
			}
		}
	}
	return false
}

// Levels groups units into execution levels: every unit's dependencies lie
// in earlier levels. Within a level units are ordered by priority, then by
// submission order.
func (g *Graph) Levels() [][]string {
	if len(g.order) == 0 {
		return nil
	}
	inDegree := make(map[string]int, len(g.order))
	var current []string
	for _, id := range g.order {
		inDegree[id] = len(g.preds[id])
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	for len(current) > 0 {
		g.SortReady(current)
		levels = append(levels, current)

		var next []string
		for _, id := range current {
			for _, s := range g.succs[id] {
				inDegree[s]--
				if inDegree[s] == 0 {
					next = append(next, s)
				}
			}
		}
		current = next
	}
	return levels
}

// TopologicalOrder flattens Levels.
func (g *Graph) TopologicalOrder() []string {
	var order []string
	for _, level := range g.Levels() {
		order = append(order, level...)
	}
	return order
}

// SortReady sorts ids in place by (priority, submission order).
func (g *Graph) SortReady(ids []string) {
	slices.SortStableFunc(ids, func(a, b string) int {
		if pa, pb := g.units[a].Priority, g.units[b].Priority; pa != pb {
			return pa - pb
		}
		return g.index[a] - g.index[b]
	})
}

// SortSubmission sorts ids in place by submission order only.
func (g *Graph) SortSubmission(ids []string) {
	slices.SortStableFunc(ids, func(a, b string) int {
		return g.index[a] - g.index[b]
	})
}
