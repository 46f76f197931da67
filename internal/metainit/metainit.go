// Package metainit implements C5, the in-container meta-init of spec.md
// §4.5: it runs as pid 1 of the target's pid namespace, forks the real
// target, ptrace-supervises it to a terminal cause, reconciles that cause
// against the wall-clock deadline and v1 memory accounting, and emits the
// meta record. Adapted from the teacher's ptracer.Tracer.TraceRun (the
// wait4/ptrace dispatch loop) generalized from the teacher's TLE/MLE
// threshold checks to spec.md's four-valued exit-cause reconciliation, and
// from container_init_linux.go's reexec-as-pid-1 idiom for the fork step:
// Go cannot safely continue running as a forked copy of its own runtime,
// so "fork" here means re-executing the binary with a second marker
// argument, the same trick the outer jail layer uses to become pid 1 in
// the first place.
package metainit

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/omegaup/omegajail-go/pkg/cgroup"
	"github.com/omegaup/omegajail-go/pkg/clock"
	"github.com/omegaup/omegajail-go/pkg/exitcause"
	"github.com/omegaup/omegajail-go/pkg/metarecord"
	"github.com/omegaup/omegajail-go/pkg/rlimit"
	"github.com/omegaup/omegajail-go/pkg/syscallname"
)

// childMarker is argv[1] the meta-init process re-execs itself with: on
// seeing it, main() skips straight to running the child-side Continue
// callback instead of the normal CLI path.
const childMarker = "omegajail-metainit-child"

// IsChildEntry reports whether this process is the re-exec'd child branch
// of a meta-init fork.
func IsChildEntry() bool {
	return len(os.Args) > 1 && os.Args[1] == childMarker
}

// Config carries everything meta-init needs that the supervisor computed
// before entering the jail.
type Config struct {
	CgroupSpec        cgroup.Spec
	DisableSandboxing bool
	Comm              string // PR_SET_NAME for the forked target; "omegajail" if empty
	WallTimeLimit     time.Duration
	VMOverheadBytes   int64
	RLimits           []rlimit.RLimit

	MetaWriter func() (*os.File, error) // opens the meta fd; nil disables emission

	// CloseChildFds closes the meta fd (4) in the child before it
	// continues into the target, per spec.md §4.5 step 4: the target must
	// never see it. The sigsys-notification fd (5) is left open a little
	// longer — the target's own OnSeccompInstalled hook still needs it to
	// hand the notification fd to the observer — and closes itself right
	// after that send, before execve.
	CloseChildFds func() error

	// ContinueChild re-enters the remaining PreDropCaps/PreExecve hook
	// pipeline and execve's the real target. Called only in the re-exec'd
	// child process, after self-admission and rlimit application.
	ContinueChild func() error

	// SendChildPidfd hands the target's pidfd to the observer over the
	// sigsys socket, per spec.md §4.5 step 4's parent branch and §4.6 step
	// 1. Called once, right after the child starts.
	SendChildPidfd func(childPid int) error

	// SigsysDrain blocks up to 1s for the observer's authoritative syscall
	// number, per spec.md §4.6 step 4. Returns ok=false on timeout/EOF.
	SigsysDrain func(timeout time.Duration) (syscallNr int, ok bool)

	// SelfArgv/SelfEnv let Run build the re-exec command; normally
	// os.Args/os.Environ, overridable for tests.
	SelfArgv []string
	SelfEnv  []string

	// ExtraFiles are placed at fd 3, 4, 5 in the re-exec'd child, same
	// convention as jail.Spec.ExtraFiles. exec.Command only ever wires
	// stdin/stdout/stderr by default, so without this the logging, meta
	// and sigsys-notification fds this process inherited from the outer
	// jail would simply close across this second re-exec.
	ExtraFiles []*os.File
}

// RunChild is the re-exec'd child's entire body: self-admit into the
// cgroup, restore the signal mask meta-init blocked before forking, apply
// rlimits, then hand off to ContinueChild. Matches spec.md §4.5 step 4's
// child branch.
func RunChild(cfg *Config, h *cgroup.Handle) error {
	if cfg.DisableSandboxing {
		if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
			return fmt.Errorf("metainit: setsid: %w", err)
		}
	}
	comm := cfg.Comm
	if comm == "" {
		comm = "omegajail"
	}
	setProcessName(comm)
	if h != nil {
		if err := h.Admit(os.Getpid()); err != nil {
			return fmt.Errorf("metainit: self-admit: %w", err)
		}
		// Sealed immediately after admission, per spec.md §4.1/§8 invariant
		// 1: no target syscall may be observable before every cgroup limit
		// is both in effect and read-only, so the admitted task itself
		// (still carrying ambient caps at this point) cannot relax it.
		if err := h.Seal(); err != nil {
			return fmt.Errorf("metainit: seal cgroup: %w", err)
		}
	}
	// execve inherits the parent's blocked-SIGCHLD mask; the child never
	// had a reason to block it, so unblock unconditionally rather than
	// trying to ferry the parent's saved mask across the re-exec.
	unblockSet := unix.Sigset_t{}
	sigsetAdd(&unblockSet, unix.SIGCHLD)
	if err := unix.PthreadSigmask(unix.SIG_UNBLOCK, &unblockSet, nil); err != nil {
		return fmt.Errorf("metainit: restore signal mask: %w", err)
	}
	if err := rlimit.Apply(cfg.RLimits); err != nil {
		return fmt.Errorf("metainit: apply rlimits: %w", err)
	}
	if cfg.CloseChildFds != nil {
		if err := cfg.CloseChildFds(); err != nil {
			return fmt.Errorf("metainit: close child fds: %w", err)
		}
	}
	return cfg.ContinueChild()
}

// setProcessName sets PR_SET_NAME, truncated to the kernel's 15-visible-
// character TASK_COMM_LEN; failures are best-effort and never block
// launch.
func setProcessName(name string) {
	var b [16]byte
	copy(b[:], name)
	unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}

// Run is meta-init's top half: create the cgroup, block SIGCHLD, compute
// the deadline, fork the child, then drive the supervise loop to a
// terminal exit-cause and emit the meta record. It calls os.Exit and never
// returns.
func Run(cfg *Config) {
	status := run(cfg)
	os.Exit(status)
}

func run(cfg *Config) int {
	h, err := cgroup.Create(cfg.CgroupSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metainit: cgroup create: %v\n", err)
		return 1
	}
	defer h.Release()

	if cfg.DisableSandboxing {
		// Without a pid namespace this process is not pid 1 of anything,
		// so it never gets the kernel's implicit "pid 1 reaps its
		// namespace's orphans" behavior; PR_SET_CHILD_SUBREAPER opts in to
		// the same reparenting explicitly. Grounded on
		// original_source/main.cpp's disable_sandboxing branch, which sets
		// this before forking the target.
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			fmt.Fprintf(os.Stderr, "metainit: set child subreaper: %v\n", err)
			return 1
		}
	}

	blockSet := unix.Sigset_t{}
	sigsetAdd(&blockSet, unix.SIGCHLD)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &blockSet, nil); err != nil {
		fmt.Fprintf(os.Stderr, "metainit: block SIGCHLD: %v\n", err)
		return 1
	}

	t0, err := clock.Now()
	if err != nil {
		fmt.Fprintf(os.Stderr, "metainit: clock: %v\n", err)
		return 1
	}
	deadline := t0.Add(clock.FromDuration(cfg.WallTimeLimit))

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(cfg.SelfArgv[0], append([]string{childMarker}, cfg.SelfArgv[1:]...)...)
	cmd.Env = cfg.SelfEnv
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	cmd.ExtraFiles = cfg.ExtraFiles
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "metainit: start child: %v\n", err)
		return 1
	}
	childPid := cmd.Process.Pid

	setProcessName("omegajail-init")

	if cfg.SendChildPidfd != nil {
		if err := cfg.SendChildPidfd(childPid); err != nil {
			fmt.Fprintf(os.Stderr, "metainit: send pidfd: %v\n", err)
		}
	}

	cause := exitcause.New()
	traced := map[int]bool{}

	loop := &superviseLoop{
		deadline:          deadline,
		childPid:          childPid,
		traced:            traced,
		cause:             &cause,
		disableSandboxing: cfg.DisableSandboxing,
	}
	loop.run()

	if h.Type() == cgroup.TypeV1 {
		if failcnt, err := h.ReadFailcnt(); err == nil && failcnt > 0 {
			reconcileV1Memory(&cause, cfg.CgroupSpec.MemoryLimit)
		}
	}

	if cfg.SigsysDrain != nil && cause.ExitSyscall < 0 {
		if nr, ok := cfg.SigsysDrain(time.Second); ok {
			cause.RecordSyscall(nr)
		}
	}

	wallUsec := int64(0)
	if tEnd, err := clock.Now(); err == nil {
		wallUsec = tEnd.Sub(t0).Duration().Microseconds()
	}

	if cfg.MetaWriter != nil {
		if err := emitMeta(cfg.MetaWriter, cause, wallUsec, cfg.VMOverheadBytes); err != nil {
			fmt.Fprintf(os.Stderr, "metainit: emit meta: %v\n", err)
		}
	}
	return exitStatusFor(cause)
}

func reconcileV1Memory(cause *exitcause.Cause, memoryLimitBytes int64) {
	cause.Usage.Maxrss = exitcause.ReconcileMemoryV1(cause.Usage.Maxrss, 1, memoryLimitBytes)
}

func emitMeta(open func() (*os.File, error), cause exitcause.Cause, wallUsec, vmOverhead int64) error {
	f, err := open()
	if err != nil {
		return err
	}
	defer f.Close()
	timing := metarecord.Timing{
		UserTimeUsec: cause.Usage.Utime.Usec + cause.Usage.Utime.Sec*1e6,
		SysTimeUsec:  cause.Usage.Stime.Usec + cause.Usage.Stime.Sec*1e6,
		WallTimeUsec: wallUsec,
		MemoryBytes:  exitcause.MaxRSSBytes(cause.Usage.Maxrss, vmOverhead),
	}
	verdict := metarecord.VerdictFromCause(cause, func(nr int) (string, bool) {
		return syscallname.Lookup(nr)
	})
	return metarecord.Write(f, timing, verdict)
}

// exitStatusFor maps a reconciled cause to meta-init's own POSIX exit
// status, per spec.md §6: the raw reconciled signal number for a signal or
// syscall verdict, the target's own exit status otherwise.
func exitStatusFor(cause exitcause.Cause) int {
	switch cause.Dominant() {
	case exitcause.KindSyscall:
		return int(unix.SIGSYS)
	case exitcause.KindSignal:
		return cause.ExitSignal
	case exitcause.KindStatus:
		return cause.ExitStatus
	default:
		return 1
	}
}
