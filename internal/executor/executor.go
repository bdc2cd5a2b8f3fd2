// Package executor runs one task end to end: compute its signature,
// check the action cache, run it in a sandbox on a miss, and record
// the result. It generalizes the teacher's Executor.doBuild/
// executeRecipe (exec.go) — which always shells out and only
// compares mtimes/hashes to skip unnecessary reruns — into the full
// signature-lookup-or-sandbox-then-record algorithm spec §4.6/§4.7
// describe, adding retry via github.com/cenkalti/backoff/v4 for
// transient failures (spec §4.9) and throttling via
// golang.org/x/time/rate so a flaky dependency (a flaky fetch server,
// say) can't be hammered by every retrying worker at once.
package executor

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/sandbox"
	"github.com/forgebuild/forge/internal/signature"
)

// Outcome is the result of executing (or cache-hitting) one task.
type Outcome struct {
	Signature string
	CacheHit  bool
	ExitCode  int
	Outputs   map[string][]byte
	Attempts  int
}

// Request is everything Execute needs for one task: its signature
// input, the script to run on a miss, the files its script expects to
// read (sandbox.Spec.Inputs), the declared output paths to collect
// afterward, and the task's declared timeout/network policy/resource
// limits (spec §3).
type Request struct {
	SigInput    signature.Input
	Script      string
	Env         []string
	Inputs      map[string]string // scratch-relative path -> absolute source path
	OutputPaths []string          // scratch-relative paths to collect after a successful run
	Timeout     time.Duration     // zero means no per-task timeout
	Network     sandbox.NetworkPolicy
	Limits      sandbox.ResourceLimits
	Sysroots    []string // ordered lowest-priority-first dependency sysroots for the recipe-sysroot overlay
}

// Executor wires signature computation, action-cache lookup/record,
// and sandboxed execution together, with retry and rate limiting for
// transient task failures.
type Executor struct {
	cache   *actioncache.Cache
	sandbox *sandbox.Sandbox
	memo    *signature.Memo
	limiter *rate.Limiter

	// MaxRetries bounds backoff.Retry's attempt count for
	// bferrors.IsTransient failures; 0 disables retrying.
	MaxRetries int
	// Isolate requests sandbox namespace isolation for every run.
	Isolate bool

	now func() time.Time
}

// New builds an Executor. ratePerSecond <= 0 means unlimited.
func New(cache *actioncache.Cache, sb *sandbox.Sandbox, ratePerSecond float64) *Executor {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Executor{
		cache:      cache,
		sandbox:    sb,
		memo:       signature.NewMemo(0),
		limiter:    limiter,
		MaxRetries: 3,
		now:        time.Now,
	}
}

// Execute runs req, consulting the action cache first. On a miss it
// runs the sandboxed script, retrying transient failures with
// exponential backoff, then records the result so a future identical
// signature hits the cache.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	sig := e.memo.Get(memoKey(req.SigInput), func() string { return signature.Compute(req.SigInput) })

	if entry, ok, err := e.cache.Lookup(sig); err != nil {
		return Outcome{}, err
	} else if ok {
		outputs := make(map[string][]byte, len(entry.Outputs))
		for path := range entry.Outputs {
			content, err := e.cache.Fetch(entry, path)
			if err != nil {
				return Outcome{}, err
			}
			outputs[path] = content
		}
		return Outcome{Signature: sig, CacheHit: true, ExitCode: entry.ExitCode, Outputs: outputs}, nil
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var result sandbox.Result
	attempts := 0
	run := func() error {
		attempts++
		if e.limiter != nil {
			if err := e.limiter.Wait(runCtx); err != nil {
				return backoff.Permanent(err)
			}
		}
		r, err := e.sandbox.Run(runCtx, sandbox.Spec{
			Script:   req.Script,
			Env:      req.Env,
			Inputs:   req.Inputs,
			Isolate:  e.Isolate,
			Network:  req.Network,
			Limits:   req.Limits,
			Sysroots: req.Sysroots,
		})
		result = r
		if err != nil && !bferrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := e.retryPolicy(runCtx)
	if err := backoff.Retry(run, bo); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return Outcome{}, bferrors.Wrap(bferrors.KindTask, runCtx.Err(), "task exceeded its declared timeout")
		}
		return Outcome{}, err
	}

	outputs, err := e.collectOutputs(result.ScratchDir, req.OutputPaths)
	if err != nil {
		return Outcome{}, err
	}
	defer e.sandbox.Cleanup(result.ScratchDir)

	if _, err := e.cache.Record(sig, outputs, result.ExitCode, e.now()); err != nil {
		return Outcome{}, err
	}

	return Outcome{Signature: sig, CacheHit: false, ExitCode: result.ExitCode, Outputs: outputs, Attempts: attempts}, nil
}

func (e *Executor) retryPolicy(ctx context.Context) backoff.BackOffContext {
	if e.MaxRetries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.MaxRetries)), ctx)
}

func (e *Executor) collectOutputs(scratchDir string, paths []string) (map[string][]byte, error) {
	outputs := make(map[string][]byte, len(paths))
	for _, p := range paths {
		content, err := readFile(scratchDir, p)
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindTask, err, "collecting output %s", p)
		}
		outputs[p] = content
	}
	return outputs, nil
}

// memoKey folds every field Compute reads into the Memo key: recipe,
// task, script, the sorted DepSigs, and the InputHashes and Env maps in
// key order. A memo hit returns the stored signature as is, so Inputs
// that differ must get different keys; fields are joined with ':' and
// '=' without length prefixes, so that holds as long as no value
// contains those separators.
func memoKey(in signature.Input) string {
	key := in.Recipe + ":" + in.Task + ":" + in.Script

	depSigs := append([]string(nil), in.DepSigs...)
	sort.Strings(depSigs)
	for _, s := range depSigs {
		key += ":" + s
	}

	paths := make([]string, 0, len(in.InputHashes))
	for p := range in.InputHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		key += ":" + p + "=" + in.InputHashes[p]
	}

	envKeys := make([]string, 0, len(in.Env))
	for k := range in.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		key += ":env:" + k + "=" + in.Env[k]
	}
	return key
}
