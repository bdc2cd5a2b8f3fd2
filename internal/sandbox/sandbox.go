// Package sandbox isolates one task execution in its own scratch
// directory and, on Linux, its own mount/PID/user/network namespaces
// plus a best-effort cgroup v2 resource limit (spec §4.9 "hermetic
// execution environment"). It generalizes the teacher's executeRecipe
// (exec.go), which runs every recipe's script via `sh -c` against the
// shared working directory with no isolation at all, into a per-task
// scratch directory named with github.com/google/uuid and, on Linux, a
// self-reexec into an unshared namespace set via golang.org/x/sys/unix,
// in the spirit of the namespace/cgroup syscall shapes in
// other_examples' runc/buildkit/apptainer reference files (see
// DESIGN.md).
package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/forgebuild/forge/internal/bferrors"
)

// Spec describes one task execution to sandbox.
type Spec struct {
	Script   string            // shell script body, passed to `sh -c`
	Env      []string          // KEY=VALUE pairs, replaces the parent environment entirely
	Inputs   map[string]string // scratch-relative path -> absolute source path, bind-copied in before running
	Isolate  bool              // request namespace isolation (spec §4.9); ignored on non-Linux
	Network  NetworkPolicy     // network namespace policy; zero value is Isolated
	Limits   ResourceLimits    // best-effort cgroup v2 resource caps
	Sysroots []string          // ordered lowest-priority-first dependency sysroots, overlaid at recipe-sysroot/
}

// Result is what a sandboxed run produced.
type Result struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	ScratchDir string // caller reads declared outputs from here before Cleanup
}

// Sandbox manages scratch directories for task execution under root.
type Sandbox struct {
	root string
}

// New returns a Sandbox rooted at root, creating it if needed.
func New(root string) (*Sandbox, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, bferrors.Wrap(bferrors.KindSandbox, err, "creating sandbox root %s", root)
	}
	return &Sandbox{root: root}, nil
}

// Run materializes spec.Inputs into a fresh uuid-named scratch
// directory, executes spec.Script there, and returns the outcome. With
// Isolate set on Linux, the script runs inside a fresh mount/PID/user
// namespace plus a fresh network namespace via a
// self-reexec into RunSandboxInit, which performs the in-namespace
// mount setup before handing off to the script; otherwise it runs
// directly via `sh -c`, matching the teacher's "set -e\n"+recipeText
// convention. The scratch directory is left on disk (ScratchDir) for
// the caller to harvest declared outputs from; call Cleanup when done.
func (s *Sandbox) Run(ctx context.Context, spec Spec) (Result, error) {
	if err := spec.Network.validate(); err != nil {
		return Result{}, err
	}

	scratch := filepath.Join(s.root, uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Result{}, bferrors.Wrap(bferrors.KindSandbox, err, "creating scratch dir")
	}

	for rel, src := range spec.Inputs {
		dst := filepath.Join(scratch, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return Result{}, bferrors.Wrap(bferrors.KindSandbox, err, "preparing input dir for %s", rel)
		}
		if err := copyFile(src, dst); err != nil {
			return Result{}, bferrors.Wrap(bferrors.KindSandbox, err, "staging input %s", rel)
		}
	}

	var cmd *exec.Cmd
	if spec.Isolate && runtime.GOOS == "linux" {
		exe, err := os.Executable()
		if err != nil {
			return Result{}, bferrors.Wrap(bferrors.KindSandbox, err, "resolving forge executable path")
		}
		cmd = exec.CommandContext(ctx, exe, sandboxInitArg, scratch)
		cmd.Env = []string{
			envScript + "=" + spec.Script,
			envNetwork + "=" + string(spec.Network),
			envSysroot + "=" + strings.Join(spec.Sysroots, ":"),
			envTaskEnv + "=" + joinTaskEnv(spec.Env),
		}
		cmd.SysProcAttr = namespacedSysProcAttr(spec.Network)
	} else {
		fullScript := "set -e\n" + spec.Script
		cmd = exec.CommandContext(ctx, "sh", "-c", fullScript)
		cmd.Dir = scratch
		cmd.Env = spec.Env
		if cmd.Env == nil {
			cmd.Env = []string{} // a nil Env would inherit the parent's environment
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, bferrors.Wrap(bferrors.KindSandbox, err, "starting sandboxed command")
	}
	cgroupCleanup, _ := applyResourceLimits(filepath.Base(scratch), spec.Limits, cmd.Process.Pid)
	defer cgroupCleanup()

	runErr := cmd.Wait()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ScratchDir: scratch}

	if runErr == nil {
		result.ExitCode = 0
		return result, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(runErr, &exitErr); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, bferrors.New(bferrors.KindTask, "sandboxed command exited %d", result.ExitCode)
	}
	return result, bferrors.Wrap(bferrors.KindSandbox, runErr, "running sandboxed command")
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// Cleanup removes a scratch directory produced by Run.
func (s *Sandbox) Cleanup(scratchDir string) error {
	if err := os.RemoveAll(scratchDir); err != nil {
		return bferrors.Wrap(bferrors.KindSandbox, err, "removing scratch dir %s", scratchDir)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
