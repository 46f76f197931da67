// Package syscallname resolves a syscall number to its name for the meta
// record's syscall: line (spec.md §6) and for meta-init's ptrace-observed
// SIGSYS reporting. Grounded on the teacher's
// pkg/seccomp/libseccomp/syscall_name_linux.go, which resolves the same
// way through github.com/elastic/go-seccomp-bpf/arch rather than linking
// against libseccomp's C library.
package syscallname

import (
	"github.com/elastic/go-seccomp-bpf/arch"
)

var info, errInfo = arch.GetInfo("")

// Lookup returns the name of syscall number nr on the current
// architecture, or ok=false if the architecture table could not be loaded
// or nr is unknown.
func Lookup(nr int) (string, bool) {
	if errInfo != nil {
		return "", false
	}
	name, ok := info.SyscallNumbers[nr]
	return name, ok
}
