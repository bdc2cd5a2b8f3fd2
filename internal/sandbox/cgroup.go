package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const cgroupRoot = "/sys/fs/cgroup"

// applyResourceLimits creates a leaf cgroup v2 under forge's own
// subtree (if cgroup v2 is delegated to the caller at all), writes
// limits' requested caps into it, and moves pid into it. Every step is
// best-effort: any failure (no cgroup v2 mount, no delegation,
// read-only cgroupfs) simply leaves the task to run unconstrained
// rather than failing it, per ResourceLimits' doc comment. The
// returned cleanup removes the leaf cgroup once the task exits;
// calling it is always safe even if setup never got past the first
// step.
func applyResourceLimits(name string, limits ResourceLimits, pid int) (cleanup func(), err error) {
	noop := func() {}
	if limits.isZero() {
		return noop, nil
	}
	dir := filepath.Join(cgroupRoot, "forge", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return noop, nil
	}

	if limits.CPUQuota > 0 {
		const period = 100000
		quota := int(limits.CPUQuota * float64(period))
		writeCgroupFile(dir, "cpu.max", fmt.Sprintf("%d %d", quota, period))
	}
	if limits.MemoryMB > 0 {
		writeCgroupFile(dir, "memory.max", strconv.Itoa(limits.MemoryMB*1024*1024))
	}
	if limits.PIDsMax > 0 {
		writeCgroupFile(dir, "pids.max", strconv.Itoa(limits.PIDsMax))
	}
	if limits.IOWeight > 0 {
		writeCgroupFile(dir, "io.weight", "default "+strconv.Itoa(limits.IOWeight))
	}
	writeCgroupFile(dir, "cgroup.procs", strconv.Itoa(pid))

	return func() { os.Remove(dir) }, nil
}

func writeCgroupFile(dir, name, content string) {
	_ = os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}
