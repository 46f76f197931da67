// Package exitcause implements the four-valued exit-cause reconciliation of
// spec.md §3 ("Exit cause") and §4.7 (wall-clock dominance), used by
// meta-init to turn a tangle of wait4/ptrace/deadline/observer signals into
// a single verdict.
package exitcause

import "golang.org/x/sys/unix"

// Cause is the reconciled outcome of a supervised target. At most one of
// ExitSyscall/ExitSignal/ExitStatus is meaningful; Dominant reports which.
type Cause struct {
	// ExitSyscall, if >= 0, is the syscall number that triggered a SIGSYS
	// kill. It dominates everything else.
	ExitSyscall int

	// ExitSignal, if >= 0, is the signal that terminated the target
	// (resource-limit kill, wall-clock timeout, or a normal signal). It
	// dominates a WIFEXITED status.
	ExitSignal int

	// ExitStatus is the WEXITSTATUS() code, meaningful only when neither
	// ExitSyscall nor ExitSignal is set and the target exited normally.
	ExitStatus int

	// Exited records whether the tracked child was ever observed to
	// terminate (by signal or normal exit). If false, the invocation never
	// reaped the target (e.g. setup failed before fork).
	Exited bool

	Usage unix.Rusage
}

// New returns a Cause with no syscall or signal recorded yet.
func New() Cause {
	return Cause{ExitSyscall: -1, ExitSignal: -1}
}

// Kind enumerates which of the three verdict shapes a Cause represents.
type Kind int

const (
	// KindNone means the cause carries no verdict yet (e.g. setup failed
	// before the target was ever reaped).
	KindNone Kind = iota
	KindSyscall
	KindSignal
	KindStatus
)

// Dominant applies the precedence rule of spec.md §3: a recorded syscall
// dominates a recorded signal, which dominates a normal-exit status.
func (c Cause) Dominant() Kind {
	switch {
	case c.ExitSyscall >= 0:
		return KindSyscall
	case c.ExitSignal >= 0:
		return KindSignal
	case c.Exited:
		return KindStatus
	default:
		return KindNone
	}
}

// RecordSyscall sets the SIGSYS verdict. A syscall recorded this way always
// wins the final reconciliation, per the dominance invariant.
func (c *Cause) RecordSyscall(nr int) {
	c.ExitSyscall = nr
}

// RecordSignal sets the signal verdict, but only if one isn't already
// recorded: the first observed signal (from the ptrace loop, which runs
// before the deadline check) wins over a later deadline-driven SIGXCPU,
// implementing the wall-clock dominance rule of spec.md §4.7.
func (c *Cause) RecordSignal(sig int) {
	if c.ExitSignal < 0 {
		c.ExitSignal = sig
	}
}

// RecordExit records that the tracked child terminated, either by signal
// (WIFSIGNALED) or normally (WIFEXITED), together with its rusage.
func (c *Cause) RecordExit(ws unix.WaitStatus, usage unix.Rusage) {
	c.Exited = true
	c.Usage = usage
	switch {
	case ws.Signaled():
		c.RecordSignal(int(ws.Signal()))
	case ws.Exited():
		c.ExitStatus = ws.ExitStatus()
	}
}

// ApplyDeadline implements spec.md §4.5 step 6 and §4.7: a deadline-driven
// timeout only sets SIGXCPU if no prior signal (ptrace-observed or
// otherwise) was already recorded.
func (c *Cause) ApplyDeadline(sigxcpu int) {
	c.RecordSignal(sigxcpu)
}

// MaxRSSBytes computes mem = max(0, ru_maxrss*1024 - vmOverhead), the
// invariant of spec.md §8 property 3. ruMaxrssKB is the (possibly
// failcnt-reconciled, see ReconcileMemoryV1) ru_maxrss value in KiB.
func MaxRSSBytes(ruMaxrssKB int64, vmOverhead int64) int64 {
	bytes := ruMaxrssKB * 1024
	bytes -= vmOverhead
	if bytes < 0 {
		return 0
	}
	return bytes
}

// ReconcileMemoryV1 implements spec.md §3's memory reconciliation rule: when
// a v1 memory cgroup reports a non-zero memory.failcnt, the kernel's
// ru_maxrss figure is known to underreport (the OOM killer can strike before
// the process's peak RSS is sampled), so it is replaced by the configured
// memory limit.
func ReconcileMemoryV1(ruMaxrssKB int64, failcnt uint64, memoryLimitBytes int64) int64 {
	if failcnt > 0 {
		return memoryLimitBytes / 1024
	}
	return ruMaxrssKB
}
