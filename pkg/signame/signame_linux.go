// Package signame maps Linux signal numbers to their canonical names, the
// way the meta record's verdict block needs to (spec.md §6): a known signal
// is reported as "signal:<NAME>", an unknown one as "signal_number:<n>".
package signame

import "golang.org/x/sys/unix"

// names mirrors the original implementation's kSignalMap: only the signals
// that are meaningful to report to a caller, not the full sys/signal.go
// table (real-time signals have no stable short name worth reporting).
var names = map[int]string{
	int(unix.SIGHUP):    "SIGHUP",
	int(unix.SIGINT):    "SIGINT",
	int(unix.SIGQUIT):   "SIGQUIT",
	int(unix.SIGILL):    "SIGILL",
	int(unix.SIGTRAP):   "SIGTRAP",
	int(unix.SIGABRT):   "SIGABRT",
	int(unix.SIGBUS):    "SIGBUS",
	int(unix.SIGFPE):    "SIGFPE",
	int(unix.SIGKILL):   "SIGKILL",
	int(unix.SIGUSR1):   "SIGUSR1",
	int(unix.SIGSEGV):   "SIGSEGV",
	int(unix.SIGUSR2):   "SIGUSR2",
	int(unix.SIGPIPE):   "SIGPIPE",
	int(unix.SIGALRM):   "SIGALRM",
	int(unix.SIGTERM):   "SIGTERM",
	int(unix.SIGSTKFLT): "SIGSTKFLT",
	int(unix.SIGCHLD):   "SIGCHLD",
	int(unix.SIGCONT):   "SIGCONT",
	int(unix.SIGSTOP):   "SIGSTOP",
	int(unix.SIGTSTP):   "SIGTSTP",
	int(unix.SIGTTIN):   "SIGTTIN",
	int(unix.SIGTTOU):   "SIGTTOU",
	int(unix.SIGURG):    "SIGURG",
	int(unix.SIGXCPU):   "SIGXCPU",
	int(unix.SIGXFSZ):   "SIGXFSZ",
	int(unix.SIGVTALRM): "SIGVTALRM",
	int(unix.SIGPROF):   "SIGPROF",
	int(unix.SIGWINCH):  "SIGWINCH",
	int(unix.SIGIO):     "SIGIO",
	int(unix.SIGPWR):    "SIGPWR",
	int(unix.SIGSYS):    "SIGSYS",
}

// Lookup returns the canonical name for signal number n, and whether it was
// found in the known table.
func Lookup(n int) (string, bool) {
	name, ok := names[n]
	return name, ok
}
