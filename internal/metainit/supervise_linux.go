package metainit

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/omegaup/omegajail-go/pkg/clock"
	"github.com/omegaup/omegajail-go/pkg/exitcause"
)

// superviseLoop drives spec.md §4.5 steps 5-7: sigtimedwait/wait3 until the
// child terminates or the deadline passes, dispatching each ptrace stop,
// then sweeping every descendant on the way out. Grounded on the teacher's
// ptracer.Tracer.TraceRun, narrowed from its TLE/MLE threshold checks (this
// supervisor has no resource thresholds of its own; the kernel's rlimits
// and cgroup already enforce them) down to exit-cause bookkeeping alone.
type superviseLoop struct {
	deadline clock.Timespec
	childPid int
	traced   map[int]bool
	cause    *exitcause.Cause

	// disableSandboxing means this process is not pid 1 of an isolated pid
	// namespace: it shares the host pid space with whoever invoked it, so
	// terminalSweep must confine its kill to the child's own process group
	// rather than every process visible to it.
	disableSandboxing bool

	deadlineHit bool
}

func (l *superviseLoop) run() {
	for {
		now, err := clock.Now()
		if err != nil || !now.Before(l.deadline) {
			l.deadlineHit = true
			break
		}
		remaining := l.deadline.Sub(now)
		if !waitForSigchld(remaining.Duration()) {
			l.deadlineHit = true
			break
		}
		if l.drainOnce() {
			break // tracked child terminated
		}
	}

	if l.deadlineHit {
		l.cause.ApplyDeadline(int(unix.SIGXCPU))
	}

	l.terminalSweep()
}

// waitForSigchld blocks on sigtimedwait({SIGCHLD}, timeout). It reports
// false on timeout, matching spec.md §4.5 step 5's "-1 means break" rule;
// HANDLE_EINTR-retries transient interruptions instead of treating them as
// a timeout.
func waitForSigchld(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	set := unix.Sigset_t{}
	sigsetAdd(&set, unix.SIGCHLD)
	ts := clock.FromDuration(timeout)
	kernelTs := unix.Timespec{Sec: ts.Sec, Nsec: ts.Nsec}
	for {
		_, _, errno := unix.Syscall6(unix.SYS_RT_SIGTIMEDWAIT,
			uintptr(unsafe.Pointer(&set)), 0, uintptr(unsafe.Pointer(&kernelTs)), unsafe.Sizeof(set), 0, 0)
		if errno == 0 {
			return true
		}
		if errno == unix.EINTR {
			continue
		}
		return false
	}
}

// drainOnce drains one round of wait3(WNOHANG|__WALL), dispatching each
// stopped/signaled/exited pid. It returns true once the tracked child has
// terminated.
func (l *superviseLoop) drainOnce() bool {
	for {
		var ws unix.WaitStatus
		var usage unix.Rusage
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WALL, &usage)
		if err != nil || pid <= 0 {
			return false
		}
		if l.dispatch(pid, ws, usage) {
			return true
		}
	}
}

func (l *superviseLoop) dispatch(pid int, ws unix.WaitStatus, usage unix.Rusage) (terminated bool) {
	switch {
	case ws.Exited(), ws.Signaled():
		if pid == l.childPid {
			l.cause.RecordExit(ws, usage)
			return true
		}
		delete(l.traced, pid)
		return false

	case ws.Stopped():
		if !l.traced[pid] {
			l.traced[pid] = true
			unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACESECCOMP|unix.PTRACE_O_EXITKILL)
		}
		l.dispatchStop(pid, ws)
		return false
	}
	return false
}

func (l *superviseLoop) dispatchStop(pid int, ws unix.WaitStatus) {
	sig := ws.StopSignal()
	switch sig {
	case unix.SIGSYS:
		var siginfo rawSiginfo
		if err := ptraceGetSiginfo(pid, &siginfo); err == nil {
			l.cause.RecordSyscall(siginfoSyscall(&siginfo))
		}
		unix.Kill(pid, unix.SIGKILL)

	case unix.SIGXCPU, unix.SIGXFSZ:
		l.cause.RecordSignal(int(sig))
		unix.Kill(pid, unix.SIGKILL)

	case unix.SIGSTOP, unix.SIGTRAP:
		unix.PtraceCont(pid, 0)

	default:
		unix.PtraceCont(pid, int(sig))
	}
}

// terminalSweep implements spec.md §4.5 step 7: SIGKILL every descendant,
// then drain every remaining zombie, capturing the tracked child's status
// if this is the pass that finally reaps it. When sandboxing is disabled
// this process is not pid 1 of its own pid namespace, so kill(-1) would
// reach every process group the invoking user can signal, not just the
// target's; confine the kill to the child's own process group instead.
//
// The drain blocks rather than polling: on the deadline path the SIGKILL'd
// child is still running when this sweep starts, and a WNOHANG wait would
// return before it becomes a zombie, losing its rusage/status. Blocking
// wait4 simply returns ECHILD once every descendant has been reaped, which
// ends the loop the same way a WNOHANG miss would have.
func (l *superviseLoop) terminalSweep() {
	if l.disableSandboxing {
		unix.Kill(-l.childPid, unix.SIGKILL)
	} else {
		unix.Kill(-1, unix.SIGKILL)
	}
	for {
		var ws unix.WaitStatus
		var usage unix.Rusage
		pid, err := unix.Wait4(-1, &ws, unix.WALL, &usage)
		if err != nil || pid <= 0 {
			return
		}
		if pid == l.childPid && !l.cause.Exited {
			l.cause.RecordExit(ws, usage)
		}
	}
}

func sigsetAdd(set *unix.Sigset_t, sig unix.Signal) {
	word := (sig - 1) / 64
	bit := uint64(sig-1) % 64
	set.Val[word] |= 1 << bit
}
