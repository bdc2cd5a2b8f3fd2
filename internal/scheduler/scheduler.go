// Package scheduler walks a taskgraph.Graph to completion, running
// every ready task through an executor.Executor with bounded
// concurrency (spec §4.9). It generalizes the teacher's Executor.Build/
// doBuild (exec.go), which recurses over prerequisites with a
// semaphore-bounded goroutine per build and a singleflight map keyed
// by target, into a ready-set scheduler over the precomputed task
// DAG: a worker pool managed with golang.org/x/sync's errgroup and
// semaphore (replacing the teacher's hand-rolled sync.WaitGroup plus
// channel-based semaphore), critical-path-length task prioritization,
// and github.com/prometheus/client_golang metrics the teacher has no
// equivalent of at all.
package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/executor"
	"github.com/forgebuild/forge/internal/taskgraph"
)

// RequestBuilder turns a task into the executor.Request describing
// how to run it; supplied by the caller since the scheduler has no
// opinion on recipe evaluation, only on execution order.
type RequestBuilder func(t *taskgraph.Task) (executor.Request, error)

// Summary reports what a Run produced, for the `build` CLI verb's
// final report (spec §5).
type Summary struct {
	Executed  []string // qualified task names that ran (hit or miss)
	CacheHits int
	CacheMiss int
}

// Metrics holds the scheduler's Prometheus collectors. NewMetrics
// registers them with the caller's prometheus.Registerer; with a nil
// Registerer they are built unregistered, and New given a nil *Metrics
// builds such an unregistered set, so tests don't need a registry.
type Metrics struct {
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
}

// NewMetrics builds a Metrics and, if reg is non-nil, registers its
// collectors under the "forge_scheduler" namespace.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge_scheduler", Name: "tasks_completed_total", Help: "Tasks that finished successfully.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge_scheduler", Name: "tasks_failed_total", Help: "Tasks that failed.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge_scheduler", Name: "cache_hits_total", Help: "Action-cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge_scheduler", Name: "cache_misses_total", Help: "Action-cache misses.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksCompleted, m.TasksFailed, m.CacheHits, m.CacheMisses)
	}
	return m
}

// Scheduler runs a taskgraph.Graph to completion with bounded worker
// concurrency.
type Scheduler struct {
	exec    *executor.Executor
	metrics *Metrics
	workers int64
}

// New builds a Scheduler. workers <= 0 means unbounded concurrency
// (every ready task launches immediately).
func New(exec *executor.Executor, metrics *Metrics, workers int) *Scheduler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if workers <= 0 {
		workers = 1 << 20 // effectively unbounded
	}
	return &Scheduler{exec: exec, metrics: metrics, workers: int64(workers)}
}

// Run executes every task in g to completion, respecting After/
// Before/Depends edges, with up to Scheduler.workers tasks in flight
// at once. Ready tasks are dispatched in descending critical-path
// length (the longest remaining dependent chain runs first), the
// classic longest-path-first heuristic for minimizing DAG makespan
// under bounded parallelism.
func (s *Scheduler) Run(ctx context.Context, g *taskgraph.Graph, build RequestBuilder) (Summary, error) {
	critPath := criticalPathLengths(g)

	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for name := range g.Tasks() {
		indegree[name] = 0
	}
	for name := range g.Tasks() {
		for _, p := range g.Predecessors(name) {
			indegree[name]++
			dependents[p] = append(dependents[p], name)
		}
	}

	var mu sync.Mutex
	summary := Summary{}
	ready := readyQueue{crit: critPath}
	for name, d := range indegree {
		if d == 0 {
			ready.push(name)
		}
	}

	sem := semaphore.NewWeighted(s.workers)
	group, gctx := errgroup.WithContext(ctx)

	var dispatch func()
	dispatch = func() {
		mu.Lock()
		for {
			name, ok := ready.pop()
			if !ok {
				mu.Unlock()
				return
			}
			mu.Unlock()

			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				mu.Unlock()
				return
			}

			taskName := name
			group.Go(func() error {
				task, _ := g.Task(taskName)
				req, err := build(task)
				if err != nil {
					sem.Release(1)
					s.metrics.TasksFailed.Inc()
					return bferrors.Wrap(bferrors.KindTask, err, "building request for %s", taskName)
				}
				out, err := s.exec.Execute(gctx, req)
				// Free this task's slot before dispatch below acquires
				// slots for the tasks it has just made ready.
				sem.Release(1)
				if err != nil {
					s.metrics.TasksFailed.Inc()
					return err
				}
				s.metrics.TasksCompleted.Inc()
				if out.CacheHit {
					s.metrics.CacheHits.Inc()
				} else {
					s.metrics.CacheMisses.Inc()
				}

				mu.Lock()
				summary.Executed = append(summary.Executed, taskName)
				if out.CacheHit {
					summary.CacheHits++
				} else {
					summary.CacheMiss++
				}
				for _, dep := range dependents[taskName] {
					indegree[dep]--
					if indegree[dep] == 0 {
						ready.push(dep)
					}
				}
				mu.Unlock()

				dispatch()
				return nil
			})

			mu.Lock()
		}
	}

	dispatch()

	if err := group.Wait(); err != nil {
		return summary, err
	}

	sort.Strings(summary.Executed)
	return summary, nil
}

// criticalPathLengths returns, for each task, the number of tasks on
// the longest chain of dependents reachable from it (inclusive),
// computed via memoized DFS over the dependents relation.
func criticalPathLengths(g *taskgraph.Graph) map[string]int {
	dependents := make(map[string][]string)
	for name := range g.Tasks() {
		for _, p := range g.Predecessors(name) {
			dependents[p] = append(dependents[p], name)
		}
	}

	memo := make(map[string]int)
	var length func(name string) int
	length = func(name string) int {
		if v, ok := memo[name]; ok {
			return v
		}
		best := 0
		for _, dep := range dependents[name] {
			if l := length(dep); l > best {
				best = l
			}
		}
		memo[name] = best + 1
		return memo[name]
	}
	for name := range g.Tasks() {
		length(name)
	}
	return memo
}

// readyQueue is a priority queue over ready task names, ordered by
// descending critical-path length then ascending name for determinism.
type readyQueue struct {
	items []string
	crit  map[string]int
}

func (q *readyQueue) push(name string) {
	q.items = append(q.items, name)
	sort.Slice(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if q.crit[a] != q.crit[b] {
			return q.crit[a] > q.crit[b]
		}
		return a < b
	})
}

func (q *readyQueue) pop() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	name := q.items[0]
	q.items = q.items[1:]
	return name, true
}
