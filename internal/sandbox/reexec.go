package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// sandboxInitArg is the argv[1] sentinel a re-exec'd forge process
// detects to run sandbox setup instead of the normal CLI (spec §4.9's
// namespace/mount/network lifecycle). Go's os/exec gives no hook to
// run Go code inside a freshly cloned child before it execs its
// target, so — the same trick container runtimes' "reexec" packages
// use — the parent re-execs itself with this sentinel, and main()
// dispatches to RunSandboxInit before ever touching the CLI.
const sandboxInitArg = "__forge_sandbox_init__"

const (
	envScript  = "FORGE_SANDBOX_SCRIPT"
	envNetwork = "FORGE_SANDBOX_NETWORK"
	envSysroot = "FORGE_SANDBOX_SYSROOT" // ":"-joined lowerdirs, empty if none
	envTaskEnv = "FORGE_SANDBOX_TASKENV" // "\x00"-joined KEY=VALUE pairs, the task's own env
)

// IsSandboxInit reports whether the current process was re-exec'd to
// perform sandbox setup. main() calls this before building its CLI
// command so the re-exec'd child never tries to parse sandbox-internal
// argv as a forge subcommand.
func IsSandboxInit() bool {
	return len(os.Args) > 1 && os.Args[1] == sandboxInitArg
}

// RunSandboxInit performs the in-namespace half of Sandbox.Run:
// privatize the mount table, bind the scratch dir onto itself, overlay
// -mount the recipe-sysroot if requested, bring up loopback for
// LoopbackOnly, then exec the task's own script — replacing this
// process, so the script runs as PID 1 of the new PID namespace. It
// never returns on success; the script's own exit status becomes this
// process's exit status via syscall.Exec, which os/exec on the parent
// side observes as an ordinary *exec.ExitError.
func RunSandboxInit() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("sandbox init: missing scratch dir argument")
	}
	scratch := os.Args[2]
	script := os.Getenv(envScript)
	network := NetworkPolicy(os.Getenv(envNetwork))

	if err := privatizeMounts(); err != nil {
		return fmt.Errorf("privatizing mount table: %w", err)
	}
	if err := bindSelfPrivate(scratch); err != nil {
		return fmt.Errorf("privatizing scratch dir: %w", err)
	}
	if sysroot := os.Getenv(envSysroot); sysroot != "" {
		dest := filepath.Join(scratch, "recipe-sysroot")
		if err := mountSysroot(dest, strings.Split(sysroot, ":")); err != nil {
			return fmt.Errorf("composing recipe-sysroot: %w", err)
		}
	}
	if network == LoopbackOnly {
		_ = bringUpLoopback() // best-effort, see bringUpLoopback doc
	}

	if err := os.Chdir(scratch); err != nil {
		return fmt.Errorf("entering scratch dir: %w", err)
	}
	taskEnv := splitTaskEnv(os.Getenv(envTaskEnv))
	argv := []string{"/bin/sh", "-c", "set -e\n" + script}
	return syscall.Exec(argv[0], argv, taskEnv)
}

func splitTaskEnv(blob string) []string {
	if blob == "" {
		return nil
	}
	return strings.Split(blob, "\x00")
}

func joinTaskEnv(env []string) string {
	return strings.Join(env, "\x00")
}

// namespacedSysProcAttr builds the SysProcAttr for the re-exec'd init
// process: a fresh mount, PID, and user namespace always (the user
// namespace lets an unprivileged caller still request CLONE_NEWNS/
// CLONE_NEWPID, mapping its own uid/gid to root inside the namespace —
// the standard unprivileged-userns idiom), plus a fresh network
// namespace for every accepted policy, including the empty one (which
// behaves as Isolated).
func namespacedSysProcAttr(network NetworkPolicy) *syscall.SysProcAttr {
	flags := unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUSER
	if network == Isolated || network == LoopbackOnly || network == "" {
		flags |= unix.CLONE_NEWNET
	}
	uid := os.Getuid()
	gid := os.Getgid()
	return &syscall.SysProcAttr{
		Cloneflags: uintptr(flags),
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: uid, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: gid, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
}
