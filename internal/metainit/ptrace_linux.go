package metainit

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawSiginfo mirrors enough of the kernel's siginfo_t to recover the
// _sigsys.{_call_addr,_syscall,_arch} fields a SIGSYS delivery carries,
// per signal(7). golang.org/x/sys/unix does not expose a ptrace-oriented
// siginfo_t (its Siginfo-shaped types are all for signalfd reads), so this
// fixed-layout struct is read directly via PTRACE_GETSIGINFO the way a C
// tracer would cast the kernel's buffer.
type rawSiginfo struct {
	Signo, Errno, Code int32
	_                  int32 // alignment pad before the union on 64-bit
	CallAddr           uint64
	Syscall            int32
	Arch               uint32
	_                  [96]byte // remainder of the union, unused here (siginfo_t is 128 bytes)
}

func ptraceGetSiginfo(pid int, out *rawSiginfo) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
		uintptr(pid), 0, uintptr(unsafe.Pointer(out)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func siginfoSyscall(info *rawSiginfo) int {
	return int(info.Syscall)
}
