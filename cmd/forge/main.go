package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/cas"
	"github.com/forgebuild/forge/internal/config"
	"github.com/forgebuild/forge/internal/evaluator"
	"github.com/forgebuild/forge/internal/executor"
	"github.com/forgebuild/forge/internal/layout"
	"github.com/forgebuild/forge/internal/recipegraph"
	"github.com/forgebuild/forge/internal/sandbox"
	"github.com/forgebuild/forge/internal/scheduler"
	"github.com/forgebuild/forge/internal/signature"
	"github.com/forgebuild/forge/internal/taskgraph"
)

func main() {
	// A task run under Isolate re-execs this same binary with the
	// sandbox-init sentinel (internal/sandbox's self-reexec pattern,
	// spec §4.9's namespace/mount lifecycle); that re-exec must be
	// dispatched before anything else — cli flag parsing, logging
	// setup — ever touches os.Args.
	if sandbox.IsSandboxInit() {
		if err := sandbox.RunSandboxInit(); err != nil {
			fmt.Fprintln(os.Stderr, "forge sandbox init failed:", err)
			os.Exit(1)
		}
		return
	}

	logger := newLogger()
	cmd := &cli.Command{
		Name:                  "forge",
		Usage:                 "a signature-cached build orchestrator for recipe graphs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "build-dir", Aliases: []string{"C"}, Value: ".", Usage: "build directory containing conf/"},
		},
		Commands: []*cli.Command{
			buildCmd(logger),
			queryCmd(logger),
			cacheCleanCmd(logger),
			cacheExpungeCmd(logger),
			cacheInfoCmd(logger),
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error().Err(err).Msg("forge failed")
		os.Exit(bferrors.ExitCode(err))
	}
}

func newLogger() zerolog.Logger {
	if isTerminal(os.Stderr) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// openStack wires config, the recipe graph, and the cache layers for
// a given build-dir, the common setup every verb except cache-* needs.
type stack struct {
	cfg      *config.Config
	rg       *recipegraph.Graph
	tree     *layout.Tree
	cache    *actioncache.Cache
	casStore *cas.Store
}

func openStack(buildDir string) (*stack, error) {
	cfg, err := config.Load(buildDir)
	if err != nil {
		return nil, err
	}
	tree := layout.NewTree(buildDir)
	if err := tree.EnsureDirs(); err != nil {
		return nil, err
	}

	var layers []string
	for _, l := range cfg.BBLayers.Layers {
		layers = append(layers, l.Path)
	}
	fs := &layout.LayerFS{Layers: layers}

	recipePaths, err := fs.FindRecipes()
	if err != nil {
		return nil, err
	}

	rg := recipegraph.New()
	for _, path := range recipePaths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindConfiguration, err, "reading recipe %s", path)
		}
		pn, pv := evaluator.DerivePNPV(filepath.Base(path))
		unit, err := evaluator.Load(fs, path, string(src), cfg.Local.Overrides)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindParse, err, "evaluating %s", path)
		}
		priority := layerPriority(cfg, path)
		rg.AddRecipe(&recipegraph.Recipe{
			Name:          pn,
			Version:       pv,
			Path:          path,
			LayerPriority: priority,
			Unit:          unit,
			Provides:      unit.Provides(pn),
			Depends:       unit.Depends(),
			RDepends:      unit.RDepends(pn),
		})
	}

	casStore, err := cas.Open(filepath.Join(tree.CacheDir, "cas"))
	if err != nil {
		return nil, err
	}
	metaDir := filepath.Join(tree.CacheDir, "action-cache")
	meta, err := newFileMetadataStore(metaDir)
	if err != nil {
		return nil, err
	}
	cacheLayer := actioncache.New(meta, casStore)

	return &stack{cfg: cfg, rg: rg, tree: tree, cache: cacheLayer, casStore: casStore}, nil
}

func layerPriority(cfg *config.Config, recipePath string) int {
	best := 0
	for _, l := range cfg.BBLayers.Layers {
		rel, err := filepath.Rel(l.Path, recipePath)
		if err == nil && rel != ".." && len(rel) > 0 && rel[0] != '.' {
			if l.Priority > best {
				best = l.Priority
			}
		}
	}
	return best
}

func buildDirFlag(cmd *cli.Command) string {
	return cmd.String("build-dir")
}

// effectiveNetworkPolicy applies a task's do_X[network] override, if
// declared, over the build-dir's local.yaml default (spec §4.9).
func effectiveNetworkPolicy(t *taskgraph.Task, cfg *config.Config) sandbox.NetworkPolicy {
	if t.Network != "" {
		return sandbox.NetworkPolicy(t.Network)
	}
	return cfg.NetworkPolicy()
}

// effectiveResourceLimits applies a task's do_X[resources] override, if
// declared, over the build-dir's local.yaml default (spec §4.9).
func effectiveResourceLimits(t *taskgraph.Task, cfg *config.Config) sandbox.ResourceLimits {
	if (t.Limits != taskgraph.ResourceLimits{}) {
		return sandbox.ResourceLimits{
			CPUQuota: t.Limits.CPUQuota,
			MemoryMB: t.Limits.MemoryMB,
			PIDsMax:  t.Limits.PIDsMax,
			IOWeight: t.Limits.IOWeight,
		}
	}
	return cfg.ResourceLimits()
}

func buildCmd(logger zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "evaluate, plan, and execute targets",
		ArgsUsage: "target [target...]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Value: 0, Usage: "max concurrent tasks (0 = from local.yaml)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			targets := cmd.Args().Slice()
			if len(targets) == 0 {
				return bferrors.New(bferrors.KindConfiguration, "build requires at least one target")
			}
			st, err := openStack(buildDirFlag(cmd))
			if err != nil {
				return err
			}
			g, err := taskgraph.Build(st.rg, targets)
			if err != nil {
				return err
			}

			workers := cmd.Int("workers")
			if workers == 0 {
				workers = st.cfg.Local.Workers
			}

			sb, err := sandbox.New(filepath.Join(st.tree.CacheDir, "sandboxes"))
			if err != nil {
				return err
			}
			exec := executor.New(st.cache, sb, 0)
			metrics := scheduler.NewMetrics(nil)
			sched := scheduler.New(exec, metrics, int(workers))

			hashCache := layout.NewHashCache()
			env := os.Environ()
			summary, err := sched.Run(ctx, g, func(t *taskgraph.Task) (executor.Request, error) {
				r, err := st.rg.Resolve(t.Recipe)
				if err != nil {
					return executor.Request{}, err
				}
				inputHashes, err := hashCache.HashAll([]string{r.Path})
				if err != nil {
					return executor.Request{}, err
				}
				return executor.Request{
					SigInput: signature.Input{
						Recipe:      t.Recipe,
						Task:        t.Name,
						InputHashes: inputHashes,
						Env:         st.cfg.FilterEnv(env),
						Script:      t.Command,
					},
					Script:      t.Command,
					Env:         env,
					OutputPaths: t.Outputs,
					Timeout:     t.Timeout,
					Network:     effectiveNetworkPolicy(t, st.cfg),
					Limits:      effectiveResourceLimits(t, st.cfg),
				}, nil
			})
			if err != nil {
				return err
			}

			logger.Info().
				Int("executed", len(summary.Executed)).
				Int("cache_hits", summary.CacheHits).
				Int("cache_miss", summary.CacheMiss).
				Msg("build complete")
			fmt.Printf("forge: %d tasks executed, %d cache hits, %d cache misses\n",
				len(summary.Executed), summary.CacheHits, summary.CacheMiss)
			return nil
		},
	}
}

func queryCmd(logger zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "run a read-only graph query",
		ArgsUsage: "target",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "list", Usage: "output format: list, deps"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return bferrors.New(bferrors.KindConfiguration, "query requires a target")
			}
			st, err := openStack(buildDirFlag(cmd))
			if err != nil {
				return err
			}
			g, err := taskgraph.Build(st.rg, args)
			if err != nil {
				return err
			}
			for _, name := range g.TopoOrder() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func cacheCleanCmd(logger zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "cache-clean",
		Usage: "remove CAS blobs that no action-cache entry references; action-cache entries are kept",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := openCacheOnly(buildDirFlag(cmd))
			if err != nil {
				return err
			}
			removed, err := st.cache.SweepOrphans()
			if err != nil {
				return err
			}
			fmt.Printf("forge: removed %d orphan blobs\n", removed)
			return nil
		},
	}
}

func cacheExpungeCmd(logger zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "cache-expunge",
		Usage: "remove CAS and action-cache entirely",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := openCacheOnly(buildDirFlag(cmd))
			if err != nil {
				return err
			}
			if err := st.cache.Expunge(); err != nil {
				return err
			}
			fmt.Println("forge: cache expunged")
			return nil
		},
	}
}

func cacheInfoCmd(logger zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "cache-info",
		Usage: "report cache entry counts and sizes",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := openCacheOnly(buildDirFlag(cmd))
			if err != nil {
				return err
			}
			var totalSize int64
			var blobCount int
			err = st.casStore.Walk(func(digest string, size int64) error {
				blobCount++
				totalSize += size
				return nil
			})
			if err != nil {
				return err
			}
			stats := st.cache.Stats()
			fmt.Printf("blobs: %d (%s)\n", blobCount, humanize.Bytes(uint64(totalSize)))
			fmt.Printf("hit rate: %.1f%% (%d hits, %d misses)\n", stats.Rate()*100, stats.Hits, stats.Misses)
			return nil
		},
	}
}

// openCacheOnly opens just the cache layers without evaluating every
// recipe in the layers, since cache-* verbs never need the recipe graph.
func openCacheOnly(buildDir string) (*stack, error) {
	tree := layout.NewTree(buildDir)
	if err := tree.EnsureDirs(); err != nil {
		return nil, err
	}
	casStore, err := cas.Open(filepath.Join(tree.CacheDir, "cas"))
	if err != nil {
		return nil, err
	}
	meta, err := newFileMetadataStore(filepath.Join(tree.CacheDir, "action-cache"))
	if err != nil {
		return nil, err
	}
	return &stack{tree: tree, casStore: casStore, cache: actioncache.New(meta, casStore)}, nil
}
