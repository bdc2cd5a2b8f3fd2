package taskgraph

import (
	"sort"
	"strings"

	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/recipegraph"
)

// Build expands every recipe transitively required by targets (each a
// PROVIDES name resolved through rg) into a task Graph, wiring:
//
//   - intra-recipe After/Before edges from the recipe's own task
//     declarations (or the StandardPipeline default),
//   - inter-recipe edges from each task's [depends] varflag.
//
// The result is validated for acyclicity before being returned; a
// cycle is reported with the full offending path (spec §4.5).
func Build(rg *recipegraph.Graph, targets []string) (*Graph, error) {
	var roots []*recipegraph.Recipe
	for _, target := range targets {
		r, err := rg.Resolve(target)
		if err != nil {
			return nil, err
		}
		roots = append(roots, r)
	}

	recipes := map[string]*recipegraph.Recipe{}
	for _, r := range roots {
		recipes[r.Name] = r
		deps, err := rg.TransitiveDependencies(r)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			recipes[d.Name] = d
		}
	}

	g := &Graph{tasks: map[string]*Task{}, preds: map[string][]string{}}

	for _, r := range recipes {
		taskSet, err := recipeTaskSet(r)
		if err != nil {
			return nil, err
		}
		for _, t := range taskSet {
			qn := t.QualifiedName()
			if _, dup := g.tasks[qn]; dup {
				continue
			}
			g.tasks[qn] = t
		}
	}

	for _, r := range recipes {
		for name, t := range g.tasks {
			if t.Recipe != r.Name {
				continue
			}
			for _, after := range t.After {
				g.preds[name] = append(g.preds[name], qualify(r.Name, after))
			}
			for _, before := range t.Before {
				beforeQN := qualify(r.Name, before)
				g.preds[beforeQN] = append(g.preds[beforeQN], name)
			}
			deps, err := crossRecipeDepends(rg, r, t.Name)
			if err != nil {
				return nil, err
			}
			t.Depends = deps
			g.preds[name] = append(g.preds[name], deps...)
		}
	}

	if cyclePath, ok := g.findCycle(); ok {
		return nil, bferrors.New(bferrors.KindResolution, "task dependency cycle: %s", strings.Join(cyclePath, " -> "))
	}

	return g, nil
}

// findCycle runs a DFS with a recursion stack and returns the
// qualified-name path of the first cycle found, so the error message
// shows the offending chain rather than just "a cycle exists" (spec
// §4.5 "reported with the offending path").
func (g *Graph) findCycle() ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))
	var path []string

	var visit func(name string) ([]string, bool)
	visit = func(name string) ([]string, bool) {
		color[name] = gray
		path = append(path, name)
		for _, pred := range g.preds[name] {
			switch color[pred] {
			case gray:
				// Found the cycle: slice path from pred's first occurrence.
				start := 0
				for i, n := range path {
					if n == pred {
						start = i
						break
					}
				}
				cyc := append([]string(nil), path[start:]...)
				cyc = append(cyc, pred)
				return cyc, true
			case white:
				if cyc, found := visit(pred); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil, false
	}

	names := make([]string, 0, len(g.tasks))
	for n := range g.tasks {
		names = append(names, n)
	}
	for _, n := range names {
		if color[n] == white {
			if cyc, found := visit(n); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

// TopoOrder returns tasks in a valid execution order (every task
// after all of its predecessors); only meaningful once Build has
// confirmed the graph is acyclic. Used by tests and the `query`
// CLI verb; the scheduler itself uses a ready-set, not a fixed order,
// so it can run independent tasks in parallel (internal/scheduler).
func (g *Graph) TopoOrder() []string {
	indegree := make(map[string]int, len(g.tasks))
	for name := range g.tasks {
		indegree[name] = 0
	}
	for name, preds := range g.preds {
		indegree[name] += len(preds)
	}
	dependents := make(map[string][]string)
	for name, preds := range g.preds {
		for _, p := range preds {
			dependents[p] = append(dependents[p], name)
		}
	}

	var ready []string
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	remaining := indegree
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		var freed []string
		for _, dep := range dependents[n] {
			remaining[dep]--
			if remaining[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Strings(freed)
		ready = append(ready, freed...)
	}
	return order
}
