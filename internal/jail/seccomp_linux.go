package jail

import (
	"fmt"
	"unsafe"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// SeccompAction names the three shapes a filtered syscall can resolve to
// inside this jail, mirroring spec.md §4.5/§4.6's two cooperating
// channels: a RET_TRAP-delivered SIGSYS the ptrace loop observes directly,
// and a RET_USER_NOTIF fd the sigsysobserver polls as the authoritative
// fallback when the tracer loses the race.
type SeccompAction int

const (
	ActionAllow SeccompAction = iota
	ActionTrap
	ActionUserNotif
)

// SeccompPolicy is the filter this jail installs for the target right
// before execve. Grounded on _examples/Zqzqsb-Sandbox's
// pkg/seccomp/libseccomp/builder_linux.go Builder, which wraps
// github.com/elastic/go-seccomp-bpf the same way; extended here with the
// RET_USER_NOTIF list the teacher's and Zqzqsb's builders never needed
// (they both rely on RET_TRACE+ptrace exclusively), since spec.md §4.6
// requires the seccomp user-notification channel as the backup path.
type SeccompPolicy struct {
	Allow     []string
	Trap      []string
	UserNotif []string
	Default   SeccompAction

	// notifyFd is populated by Install when UserNotif is non-empty; the
	// supervisor reads it via NotifyFd to hand to the observer.
	notifyFd int
}

// NotifyFd returns the seccomp user-notification fd obtained during
// Install, or -1 if the policy never requested one.
func (p *SeccompPolicy) NotifyFd() int {
	if len(p.UserNotif) == 0 {
		return -1
	}
	return p.notifyFd
}

func toLibseccompAction(a SeccompAction) libseccomp.Action {
	switch a {
	case ActionAllow:
		return libseccomp.ActionAllow
	case ActionTrap:
		return libseccomp.ActionTrap
	case ActionUserNotif:
		return libseccomp.ActionUserNotify
	default:
		return libseccomp.ActionKillProcess
	}
}

// Install assembles the BPF program and attaches it in a single call: via
// the seccomp(2) SECCOMP_SET_MODE_FILTER|SECCOMP_FILTER_FLAG_NEW_LISTENER
// entrypoint when the policy requests a user-notification fd (the only way
// to get one back), or plain prctl(PR_SET_SECCOMP) otherwise, matching the
// raw syscalls the library's own examples use rather than calling into
// libseccomp's C library (this jail, like the teacher's runner/ptrace
// package, stays pure Go).
func (p *SeccompPolicy) Install() error {
	program, err := p.assemble()
	if err != nil {
		return fmt.Errorf("seccomp: assemble: %w", err)
	}
	if len(p.UserNotif) > 0 {
		p.notifyFd, err = seccompNotifyFd(program)
		if err != nil {
			return fmt.Errorf("seccomp: seccomp(SECCOMP_SET_MODE_FILTER): %w", err)
		}
		return nil
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(program)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&program[0])),
	}
	if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER,
		uintptr(unsafe.Pointer(&fprog)), 0, 0); err != nil {
		return fmt.Errorf("seccomp: prctl(PR_SET_SECCOMP): %w", err)
	}
	return nil
}

func (p *SeccompPolicy) assemble() ([]unix.SockFilter, error) {
	groups := []libseccomp.SyscallGroup{
		{Action: libseccomp.ActionAllow, Names: p.Allow},
	}
	if len(p.Trap) > 0 {
		groups = append(groups, libseccomp.SyscallGroup{Action: libseccomp.ActionTrap, Names: p.Trap})
	}
	if len(p.UserNotif) > 0 {
		groups = append(groups, libseccomp.SyscallGroup{Action: libseccomp.ActionUserNotify, Names: p.UserNotif})
	}
	policy := libseccomp.Policy{
		DefaultAction: toLibseccompAction(p.Default),
		Syscalls:      groups,
	}
	instructions, err := policy.Assemble()
	if err != nil {
		return nil, err
	}
	raw, err := bpf.Assemble(instructions)
	if err != nil {
		return nil, err
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return filter, nil
}

// seccompNotifyFd installs filter via the seccomp(2) syscall directly,
// since PR_SET_SECCOMP has no way to hand back a user-notification fd the
// way SECCOMP_SET_MODE_FILTER with SECCOMP_FILTER_FLAG_NEW_LISTENER does.
func seccompNotifyFd(filter []unix.SockFilter) (int, error) {
	fprog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	fd, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		uintptr(seccompSetModeFilter), uintptr(seccompFilterFlagNewListener),
		uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

const (
	seccompSetModeFilter         = 1 // SECCOMP_SET_MODE_FILTER
	seccompFilterFlagNewListener = 1 << 3
)
