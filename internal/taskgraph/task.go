// Package taskgraph expands a set of target recipes into the
// per-task DAG the scheduler actually executes (spec §4.5). It is new
// relative to the teacher, which has no recipe/task split (a Make
// rule IS the schedulable unit); it is grounded on
// original_source/bitzel's BitBakeTask/TaskGraphBuilder shape and the
// standard task pipeline original_source/bitzel/src/builder.rs hands
// every recipe (spec §12 item 1's qualified task naming).
package taskgraph

import (
	"strconv"
	"strings"
	"time"

	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/recipegraph"
)

// StandardPipeline is the default task chain every recipe gets when
// it declares no `addtask` statements of its own, each depending on
// the one before it — the same fixed do_fetch..do_package sequence
// original_source/bitzel hardcodes per recipe.
var StandardPipeline = []string{
	"do_fetch",
	"do_unpack",
	"do_patch",
	"do_configure",
	"do_compile",
	"do_install",
	"do_package",
}

// ResourceLimits mirrors sandbox.ResourceLimits' fields without this
// package importing internal/sandbox: taskgraph sits below the
// executor/sandbox layer in the dependency order (it builds on
// recipegraph) and has no business knowing how a sandbox
// spec is built, so cmd/forge is the only place a Task's declared
// limits and a sandbox.Spec's limits need to meet (spec §3/§4.9).
type ResourceLimits struct {
	CPUQuota float64
	MemoryMB int
	PIDsMax  int
	IOWeight int
}

// Task is one schedulable unit: one task of one recipe.
type Task struct {
	Recipe  string   // PN
	Name    string   // do_X
	Command string   // shell script body (from ShellFuncDef), unexpanded
	After   []string // unqualified task names in the same recipe that must run first
	Before  []string // unqualified task names in the same recipe that must run after this one
	Depends []string // qualified "recipe:task" cross-recipe predecessors

	Outputs []string       // scratch-relative declared output paths, from do_X[outputs] (spec §3)
	Timeout time.Duration  // from do_X[timeout]; zero means no timeout
	Network string         // from do_X[network] ("isolated"/"loopback-only"/"controlled"); empty means the executor default
	Limits  ResourceLimits // from do_X[resources]; zero value means no per-task override
}

// QualifiedName is "recipe:task", used in logs, the `query` verb, and
// cycle-error messages (spec §12 item 1).
func (t *Task) QualifiedName() string { return t.Recipe + ":" + t.Name }

func qualify(recipe, task string) string { return recipe + ":" + task }

// Graph is the full per-task DAG across every recipe reachable from a
// build's targets.
type Graph struct {
	tasks map[string]*Task   // qualified name -> Task
	preds map[string][]string // qualified name -> qualified predecessor names
}

// Tasks returns every task in the graph, keyed by qualified name; callers
// should not mutate the returned map.
func (g *Graph) Tasks() map[string]*Task { return g.tasks }

// Predecessors returns the qualified names that must complete before
// qualifiedName can run.
func (g *Graph) Predecessors(qualifiedName string) []string { return g.preds[qualifiedName] }

// Task looks up a single task by qualified name.
func (g *Graph) Task(qualifiedName string) (*Task, bool) {
	t, ok := g.tasks[qualifiedName]
	return t, ok
}

// recipeTaskSet builds the task list for one recipe: either its
// explicit `addtask` declarations, or the standard pipeline when it
// declares none, matching real BitBake (a recipe with zero addtask
// statements still gets the implicit default task chain via its
// inherited base class).
func recipeTaskSet(r *recipegraph.Recipe) ([]*Task, error) {
	if len(r.Unit.Tasks) == 0 {
		tasks := make([]*Task, len(StandardPipeline))
		for i, name := range StandardPipeline {
			t := &Task{Recipe: r.Name, Name: name}
			if i > 0 {
				t.After = []string{StandardPipeline[i-1]}
			}
			if fn, ok := r.Unit.ShellFuncs[name]; ok {
				t.Command = fn.Body
			}
			if err := populateTaskMetadata(r, t); err != nil {
				return nil, err
			}
			tasks[i] = t
		}
		return tasks, nil
	}

	tasks := make([]*Task, 0, len(r.Unit.Tasks))
	for _, at := range r.Unit.Tasks {
		t := &Task{Recipe: r.Name, Name: at.Name, After: at.After, Before: at.Before}
		if fn, ok := r.Unit.ShellFuncs[at.Name]; ok {
			t.Command = fn.Body
		}
		if err := populateTaskMetadata(r, t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// populateTaskMetadata reads t's declared outputs/timeout/network/
// resource-limit varflags (do_X[outputs], do_X[timeout],
// do_X[network], do_X[resources]), the same per-task varflag
// convention crossRecipeDepends already uses for do_X[depends] (spec
// §3's Task record fields).
func populateTaskMetadata(r *recipegraph.Recipe, t *Task) error {
	qn := qualify(r.Name, t.Name)

	if raw, ok := r.Unit.Scope.Flag(t.Name, "outputs"); ok {
		t.Outputs = splitFields(raw)
	}

	if raw, ok := r.Unit.Scope.Flag(t.Name, "timeout"); ok && raw != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return bferrors.Wrap(bferrors.KindParse, err, "%s: malformed [timeout] value %q", qn, raw)
		}
		t.Timeout = d
	}

	if raw, ok := r.Unit.Scope.Flag(t.Name, "network"); ok && raw != "" {
		t.Network = strings.TrimSpace(raw)
	}

	if raw, ok := r.Unit.Scope.Flag(t.Name, "resources"); ok && raw != "" {
		limits, err := parseResourceLimits(raw)
		if err != nil {
			return bferrors.Wrap(bferrors.KindParse, err, "%s: malformed [resources] value %q", qn, raw)
		}
		t.Limits = limits
	}

	return nil
}

// parseResourceLimits reads a comma-separated "key=value" list, the
// same loose field-separated shape PACKAGECONFIG[name] varflags use
// (internal/evaluator.PackageConfigOption) — "cpu=1.5,memory_mb=512,
// pids_max=64,io_weight=200". Unknown keys are rejected rather than
// silently ignored, since a typo'd key here would otherwise silently
// drop the limit the recipe author intended.
func parseResourceLimits(raw string) (ResourceLimits, error) {
	var out ResourceLimits
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return ResourceLimits{}, bferrors.New(bferrors.KindParse, "field %q is not key=value", field)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		var err error
		switch key {
		case "cpu":
			out.CPUQuota, err = strconv.ParseFloat(value, 64)
		case "memory_mb":
			out.MemoryMB, err = strconv.Atoi(value)
		case "pids_max":
			out.PIDsMax, err = strconv.Atoi(value)
		case "io_weight":
			out.IOWeight, err = strconv.Atoi(value)
		default:
			return ResourceLimits{}, bferrors.New(bferrors.KindParse, "unknown resource limit key %q", key)
		}
		if err != nil {
			return ResourceLimits{}, bferrors.Wrap(bferrors.KindParse, err, "parsing %q", field)
		}
	}
	return out, nil
}

// crossRecipeDepends reads the do_X[depends] varflag BitBake uses to
// declare an inter-recipe task edge, e.g.
// `do_compile[depends] = "virtual/kernel:do_deploy"`, resolving each
// "provider:task" pair's provider name through rg so the stored
// dependency is the qualified name of the ACTUAL recipe chosen by
// provider resolution, not the virtual/alias name.
func crossRecipeDepends(rg *recipegraph.Graph, r *recipegraph.Recipe, taskName string) ([]string, error) {
	raw, ok := r.Unit.Scope.Flag(taskName, "depends")
	if !ok || raw == "" {
		return nil, nil
	}
	var out []string
	for _, entry := range splitFields(raw) {
		provider, task, ok := splitQualified(entry)
		if !ok {
			return nil, bferrors.New(bferrors.KindParse, "%s: malformed [depends] entry %q (want provider:task)", qualify(r.Name, taskName), entry)
		}
		resolved, err := rg.Resolve(provider)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindResolution, err, "%s: resolving [depends] provider %q", qualify(r.Name, taskName), provider)
		}
		out = append(out, qualify(resolved.Name, task))
	}
	return out, nil
}

func splitQualified(s string) (provider, task string, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func splitFields(s string) []string {
	var out []string
	var b []byte
	flush := func() {
		if len(b) > 0 {
			out = append(out, string(b))
			b = b[:0]
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' {
			flush()
			continue
		}
		b = append(b, c)
	}
	flush()
	return out
}
