// Package recipegraph holds the flat arena of recipes loaded across
// all configured layers and resolves PROVIDES/DEPENDS references
// between them (spec §4.4). It generalizes the teacher's graph.go
// (Graph{rules, patterns}, Resolve) from Make's target-pattern
// resolution to BitBake's name/virtual-provider resolution, including
// the layer-priority-then-lexicographic tie-break graph.go's
// applyConfigs already hints at for its own config mutual-exclusion
// rules.
//
// Recipe-to-recipe DEPENDS edges are allowed to cycle (two recipes
// can depend on each other through different tasks, e.g. A's
// do_compile needs B's do_populate_sysroot while B's do_compile needs
// A's); acyclicity is only required, and only enforced, at the task
// level by internal/taskgraph.
package recipegraph

import (
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/evaluator"
)

// Recipe is one loaded .bb/.bbclass unit plus the metadata the
// provider resolver and task graph builder need.
type Recipe struct {
	Name          string // PN
	Version       string // PV
	Path          string
	Layer         string
	LayerPriority int
	Unit          *evaluator.Unit
	Provides      []string
	Depends       []string
	RDepends      []string
}

// Graph is the flat arena of all loaded recipes, indexed by every
// name each one provides.
type Graph struct {
	recipes   []*Recipe
	byProvide map[string][]*Recipe
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{byProvide: make(map[string][]*Recipe)}
}

// AddRecipe registers r under every name in r.Provides (PROVIDES
// always includes r.Name itself per evaluator.Unit.Provides).
func (g *Graph) AddRecipe(r *Recipe) {
	g.recipes = append(g.recipes, r)
	for _, p := range r.Provides {
		g.byProvide[p] = append(g.byProvide[p], r)
	}
}

// Recipes returns every registered recipe, in registration order.
func (g *Graph) Recipes() []*Recipe { return g.recipes }

// Resolve picks the Recipe that provides name, applying spec §4.4's
// tie-break: highest layer priority wins; recipes from layers of
// equal priority are broken by ascending lexicographic Name.
func (g *Graph) Resolve(name string) (*Recipe, error) {
	candidates := g.byProvide[name]
	if len(candidates) == 0 {
		suggestion := g.SuggestProvider(name)
		if suggestion != "" {
			return nil, bferrors.New(bferrors.KindResolution, "no provider for %q (did you mean %q?)", name, suggestion)
		}
		return nil, bferrors.New(bferrors.KindResolution, "no provider for %q", name)
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LayerPriority > best.LayerPriority {
			best = c
			continue
		}
		if c.LayerPriority == best.LayerPriority && c.Name < best.Name {
			best = c
		}
	}
	return best, nil
}

// Ambiguities reports every provided name with more than one
// candidate recipe at the SAME highest layer priority — a genuine tie
// the lexicographic rule resolves deterministically but which a
// `query` verb or lint pass may want to flag (spec §9's preference-
// variable disambiguation open question; see DESIGN.md).
func (g *Graph) Ambiguities() map[string][]*Recipe {
	out := make(map[string][]*Recipe)
	for name, candidates := range g.byProvide {
		if len(candidates) < 2 {
			continue
		}
		best := candidates[0].LayerPriority
		for _, c := range candidates[1:] {
			if c.LayerPriority > best {
				best = c.LayerPriority
			}
		}
		var tied []*Recipe
		for _, c := range candidates {
			if c.LayerPriority == best {
				tied = append(tied, c)
			}
		}
		if len(tied) > 1 {
			out[name] = tied
		}
	}
	return out
}

// DirectDependencies resolves r's DEPENDS list to concrete Recipes.
func (g *Graph) DirectDependencies(r *Recipe) ([]*Recipe, error) {
	out := make([]*Recipe, 0, len(r.Depends))
	for _, dep := range r.Depends {
		resolved, err := g.Resolve(dep)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindResolution, err, "resolving DEPENDS of %s", r.Name)
		}
		out = append(out, resolved)
	}
	return out, nil
}

// TransitiveDependencies walks DEPENDS edges breadth-first, tolerating
// cycles (a visited set prevents revisiting, never errors on one).
func (g *Graph) TransitiveDependencies(r *Recipe) ([]*Recipe, error) {
	visited := map[string]bool{r.Name: true}
	var order []*Recipe
	queue := []*Recipe{r}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		deps, err := g.DirectDependencies(cur)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if visited[d.Name] {
				continue
			}
			visited[d.Name] = true
			order = append(order, d)
			queue = append(queue, d)
		}
	}
	return order, nil
}

// TopoSort returns recipes ordered so each appears after every recipe
// it depends on, where possible. Recipe-level DEPENDS cycles are
// legal (see package doc), so a cycle is broken by picking the
// lexicographically-first remaining recipe rather than failing — the
// order within a cycle is therefore best-effort, not a build
// correctness guarantee; that guarantee lives at the task level.
func (g *Graph) TopoSort() ([]*Recipe, error) {
	indegree := make(map[string]int, len(g.recipes))
	dependents := make(map[string][]*Recipe, len(g.recipes))
	byName := make(map[string]*Recipe, len(g.recipes))
	for _, r := range g.recipes {
		byName[r.Name] = r
		if _, ok := indegree[r.Name]; !ok {
			indegree[r.Name] = 0
		}
	}
	for _, r := range g.recipes {
		deps, err := g.DirectDependencies(r)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, d := range deps {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			indegree[r.Name]++
			dependents[d.Name] = append(dependents[d.Name], r)
		}
	}

	var ready []*Recipe
	for _, r := range g.recipes {
		if indegree[r.Name] == 0 {
			ready = append(ready, r)
		}
	}
	sortByName(ready)

	var order []*Recipe
	done := make(map[string]bool, len(g.recipes))
	for len(order) < len(g.recipes) {
		if len(ready) == 0 {
			// A cycle remains among not-yet-ordered recipes: break it by
			// picking the lexicographically-first remaining recipe.
			var remaining []*Recipe
			for _, r := range g.recipes {
				if !done[r.Name] {
					remaining = append(remaining, r)
				}
			}
			sortByName(remaining)
			ready = append(ready, remaining[0])
		}
		next := ready[0]
		ready = ready[1:]
		if done[next.Name] {
			continue
		}
		done[next.Name] = true
		order = append(order, next)
		var freed []*Recipe
		for _, dep := range dependents[next.Name] {
			indegree[dep.Name]--
			if indegree[dep.Name] == 0 && !done[dep.Name] {
				freed = append(freed, dep)
			}
		}
		sortByName(freed)
		ready = append(ready, freed...)
	}
	return order, nil
}

func sortByName(rs []*Recipe) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Name < rs[j].Name })
}

// SuggestProvider returns the closest known provided name to name by
// edit distance, or "" if nothing is close enough to be a useful
// suggestion — attached as a hint on resolution-failure diagnostics,
// never itself promoted to an error (spec §12 item 4).
func (g *Graph) SuggestProvider(name string) string {
	best := ""
	bestDist := -1
	const maxUsefulDistance = 3
	for candidate := range g.byProvide {
		d := levenshtein.ComputeDistance(name, candidate)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = candidate
		}
	}
	if bestDist < 0 || bestDist > maxUsefulDistance {
		return ""
	}
	return best
}
