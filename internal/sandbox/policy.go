package sandbox

import "github.com/forgebuild/forge/internal/bferrors"

// NetworkPolicy controls what network access a sandboxed task gets
// (spec §4.9; testable property §8.8 requires Isolated to block even
// loopback TCP).
type NetworkPolicy string

const (
	// Isolated gives the task a fresh, empty network namespace: no
	// loopback brought up, no routable interface at all. The zero
	// value behaves as Isolated.
	Isolated NetworkPolicy = "isolated"
	// LoopbackOnly gives the task a fresh network namespace with only
	// the loopback interface brought up — local sockets work, nothing
	// routable does.
	LoopbackOnly NetworkPolicy = "loopback-only"
	// Controlled is reserved for a future allowlisted-egress policy.
	// spec.md is explicit that it is "reserved; not implemented" —
	// requesting it must fail outright rather than silently falling
	// back to a looser policy.
	Controlled NetworkPolicy = "controlled"
)

// validate rejects an unknown or not-yet-implemented policy before a
// sandbox run is even attempted.
func (p NetworkPolicy) validate() error {
	switch p {
	case "", Isolated, LoopbackOnly:
		return nil
	case Controlled:
		return bferrors.New(bferrors.KindSandbox, "network policy %q is reserved and not implemented", string(Controlled))
	default:
		return bferrors.New(bferrors.KindSandbox, "unknown network policy %q", string(p))
	}
}

// ResourceLimits bounds a sandboxed task's cgroup v2 resource usage
// (spec §4.9). A zero field means "no limit" for that resource. Limits
// are applied best-effort: a host or test environment without cgroup
// v2 delegation runs the task unconstrained rather than failing it —
// defense-in-depth, not part of the task's correctness contract.
type ResourceLimits struct {
	CPUQuota float64 // fraction of one CPU core, e.g. 1.5 -> cpu.max "150000 100000"
	MemoryMB int
	PIDsMax  int
	IOWeight int // cgroup v2 io.weight, 1-10000; 0 means unset
}

func (r ResourceLimits) isZero() bool {
	return r.CPUQuota == 0 && r.MemoryMB == 0 && r.PIDsMax == 0 && r.IOWeight == 0
}
