package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// privatizeMounts prevents the sandbox's mount changes from
// propagating to the host's mount table (and vice versa): it makes
// the whole mount tree MS_PRIVATE|MS_REC, the same first step a
// container runtime's rootfs setup takes before bind-mounting anything
// new, here applied inside the freshly unshared mount namespace
// RunSandboxInit runs in.
func privatizeMounts() error {
	return unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, "")
}

// bindSelfPrivate bind-mounts dir onto itself and marks the resulting
// mount point MS_PRIVATE, giving the task an isolated, privatized
// mount entry scoped to its own scratch directory. This substitutes
// for the spec's literal "root-private bind-mount of /work": CLONE_NEWNS
// alone gives a private mount table over the *same* directory entries,
// not a new rootfs, so there is no host "/work" to create or chroot
// into — binding the scratch dir onto itself is the equivalent
// operation scoped to the directory forge actually owns.
func bindSelfPrivate(dir string) error {
	if err := unix.Mount(dir, dir, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind-mounting %s onto itself: %w", dir, err)
	}
	if err := unix.Mount("", dir, "", unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("privatizing mount of %s: %w", dir, err)
	}
	return nil
}

// mountSysroot composes sysroots (ordered lowest-priority-first) into
// a single merged read-only view at dest via overlayfs — the
// recipe-sysroot a task's declared dependencies populate (spec §4.9).
// upperdir/workdir are created alongside dest so the merge stays
// inside the scratch directory tree rather than touching the host.
func mountSysroot(dest string, sysroots []string) error {
	if len(sysroots) == 0 {
		return nil
	}
	upper := dest + ".upper"
	work := dest + ".work"
	for _, d := range []string{dest, upper, work} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("preparing overlay dir %s: %w", d, err)
		}
	}
	// overlayfs lists lowerdir highest-priority-first; sysroots arrives
	// lowest-priority-first, so reverse it.
	lower := make([]string, len(sysroots))
	for i, d := range sysroots {
		lower[len(sysroots)-1-i] = d
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(lower, ":"), upper, work)
	if err := unix.Mount("overlay", dest, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mounting recipe-sysroot overlay at %s: %w", dest, err)
	}
	return nil
}

// bringUpLoopback brings up the loopback interface inside a fresh
// network namespace for the LoopbackOnly policy, via the "ip" binary
// rather than raw netlink syscalls (no netlink library is wired into
// this module, see DESIGN.md). Best-effort: a test environment
// lacking CAP_NET_ADMIN or an "ip" binary degrades to no loopback
// rather than failing the task — the defining property of
// LoopbackOnly (isolation from the host network) comes from
// CLONE_NEWNET alone, not from this convenience.
func bringUpLoopback() error {
	return exec.Command("ip", "link", "set", "lo", "up").Run()
}
