// Package supervisor implements C4 of spec.md §4.3: the outer process that
// drops privilege where possible, pins CPU affinity, places the well-known
// fds, builds the jail spec with its ordered hooks, launches it, drives the
// SIGSYS observer, and waits for the reconciled exit. Adapted from the
// teacher's cmd/runprog/main_linux.go (the outer CLI-to-jail wiring) and
// run_program/main.go (fd-placement and privilege-descent idiom),
// generalized from the teacher's single flat setrlimit+fork model to
// spec.md's hook-ordered jail + meta-init split.
//
// Run is called twice per invocation, in two different OS processes: once
// normally (runParent), and once more after jail.Launch re-execs the binary
// (runChild, selected via jail.IsReexecEntry). Nothing constructed in the
// first call — open files, sockets, Go closures over either — survives
// into the second; the only things that cross that boundary are argv (via
// jail.Spec.ReexecArgv) and the well-known fds 3/4/5 (via
// jail.Spec.ExtraFiles), exactly the contract spec.md §3 describes.
package supervisor

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/omegaup/omegajail-go/pkg/cgroup"
	"github.com/omegaup/omegajail-go/pkg/rlimit"
	"github.com/omegaup/omegajail-go/pkg/stdio"
	"github.com/omegaup/omegajail-go/pkg/unixsocket"

	"github.com/omegaup/omegajail-go/internal/jail"
	"github.com/omegaup/omegajail-go/internal/metainit"
	"github.com/omegaup/omegajail-go/internal/sigsysobserver"
)

// Well-known fd numbers placed inside the jail before any untrusted code
// runs, per spec.md §3's "Well-known file-descriptor numbers".
const (
	loggingFd = 3
	metaFd    = 4
	sigsysFd  = 5
)

// defaultInnerUID/GID is the identity the target runs as inside its user
// namespace when not invoked on behalf of a sudo caller, per spec.md §4.3
// step 5.
const defaultInnerUID, defaultInnerGID = 1000, 1000

// Config is every piece of invocation configuration the CLI layer parses,
// matching spec.md §3's "Invocation configuration" and §6's flag list.
type Config struct {
	Bin                   string
	Args                  []string
	Chdir                 string
	Stdin, Stdout, Stderr string
	MetaPath              string
	WallTimeLimit         time.Duration
	TimeLimit             time.Duration // the CLI layer turns this into an RLimit in cfg.RLimits
	MemoryLimitBytes      int64
	VMOverheadBytes       int64
	RLimits               []rlimit.RLimit
	Comm                  string
	ScriptBasename        string
	DisableSandboxing     bool

	// AllowedSyscalls/TrapSyscalls/NotifySyscalls configure the seccomp
	// policy. Producing this list is the external policy compiler's job
	// (spec.md §1's Out-of-scope list); defaultAllowedSyscalls below
	// stands in for it so this module has something concrete to install.
	AllowedSyscalls []string
	TrapSyscalls    []string
	NotifySyscalls  []string
}

// Run executes one half of the C4 pipeline, chosen by jail.IsReexecEntry,
// and returns the process's own exit code: 0 on a clean launch/exit, 1 on
// setup failure, otherwise the reconciled signal/status, per spec.md §6.
// Meta-init always runs as part of the jail (it is the always-present init
// of spec.md §4.5, not something --meta turns on); the caller must also
// check metainit.IsChildEntry and route to RunMetaInitChild, the third
// process in the chain that meta-init's own fork-via-re-exec spawns (see
// RunMetaInitChild's doc comment).
func Run(cfg *Config) int {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if jail.IsReexecEntry() {
		return runChild(cfg, log)
	}
	return runParent(cfg, log)
}

// runParent resolves the identity and resources that must be prepared with
// the invoking process's own privileges and environment, launches the jail,
// runs the SIGSYS observer alongside it, and waits for the reconciled exit.
func runParent(cfg *Config, log *logrus.Logger) int {
	innerUID, innerGID, err := resolveInnerIdentity()
	if err != nil {
		log.WithError(err).Error("resolve inner identity")
		return 1
	}

	if err := pinCPUAffinity(); err != nil {
		log.WithError(err).Warn("pin cpu affinity")
	}

	spec := &jail.Spec{
		InnerUID:          innerUID,
		InnerGID:          innerGID,
		ReexecArgv:        os.Args[1:],
		DisableNamespaces: cfg.DisableSandboxing,
	}
	spec.ExtraFiles = []*os.File{os.Stderr}

	// fd 4 (meta) and fd 5 (sigsys) are wired unconditionally: meta-init
	// always runs and always drives the ptrace/seccomp-notify dance to a
	// reconciled exit cause, whether or not a meta record ends up getting
	// written. openMetaFile falls back to /dev/null when --meta was not
	// given, so the fd stays valid without ever being read back.
	metaFile, err := openMetaFile(cfg.MetaPath)
	if err != nil {
		log.WithError(err).Error("open meta file")
		return 1
	}
	defer metaFile.Close()

	observerSock, initSock, err := unixsocket.NewSocketPair()
	if err != nil {
		log.WithError(err).Error("create sigsys socketpair")
		return 1
	}
	defer initSock.Close()

	initSockFile, err := initSock.File()
	if err != nil {
		log.WithError(err).Error("dup sigsys socket for child fd")
		return 1
	}
	defer initSockFile.Close()

	spec.ExtraFiles = append(spec.ExtraFiles, metaFile, initSockFile)

	observer := sigsysobserver.New(observerSock)
	go func() {
		if err := observer.Run(); err != nil {
			log.WithError(err).Debug("sigsys observer exited")
		}
	}()

	cmd, err := jail.Launch(spec)
	if err != nil {
		log.WithError(err).Error("launch jail")
		return 1
	}
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(interface{ ExitCode() int }); ok {
			return exitErr.ExitCode()
		}
		return 1
	}
	return 0
}

// runChild runs as pid 1 of the freshly cloned namespaces (the process
// jail.Launch re-exec'd) — or, under --disable-sandboxing, as a plain child
// of the invoking process sharing its namespaces. Either way it becomes
// meta-init (spec.md §4.5): it performs whatever namespace/mount setup
// applies, then spec.MetaInit hands off to metainit.Run, which re-execs the
// binary a second time for the traced target. That third process is a
// different one again — RunMetaInitChild, not this function, builds its
// jail.Spec. Only the meta record's file write is conditioned on --meta
// (metainit.Config.MetaWriter is nil without it); the cgroup limits,
// wall-clock deadline and ptrace reap that produce the exit cause always
// run, since they are how this jail enforces spec.md §4 regardless of
// whether anyone reads the record afterwards.
func runChild(cfg *Config, log *logrus.Logger) int {
	// Root is left empty: this jail's mount namespace reuses the existing
	// rootfs (mounting /proc and /mnt/stdio into it) rather than
	// pivot_root-ing into a separate tree; remountRootReadOnly below then
	// bind-remounts "/" itself read-only. Under --disable-sandboxing there
	// is no private mount namespace to do any of this in, so none of it
	// runs: the target sees the host's own /proc and stdio paths untouched.
	var mounts []jail.Mount
	hostname := ""
	if !cfg.DisableSandboxing {
		mounts = []jail.Mount{
			{Source: "proc", Target: "/proc", FsType: "proc",
				Flags: unix.MS_RDONLY | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_NOSUID},
			{Source: "tmpfs", Target: "/mnt/stdio", FsType: "tmpfs", Data: "size=4k,mode=555"},
		}
		hostname = "omegajail"
	}

	var metaWriter func() (*os.File, error)
	if cfg.MetaPath != "" {
		metaWriter = func() (*os.File, error) { return os.NewFile(uintptr(metaFd), "meta"), nil }
	}

	spec := &jail.Spec{Hostname: hostname, Mounts: mounts, DisableNamespaces: cfg.DisableSandboxing}
	spec.MetaInit = func(continueJail func() error) error {
		// SendChildPidfd and SigsysDrain both talk to the observer over fd
		// 5, and must share the same adopted Socket: NewSocket dups the fd
		// it's given and closes the original, so calling it once per
		// callback would close fd 5 out from under the second caller. Both
		// SendPidfd and Drain expect the caller to keep the socket open
		// across the whole exchange (see SendPidfd's doc comment); nothing
		// closes sigsysSock here, since metainit.Run os.Exit's right after
		// the last use.
		var sigsysSock *unixsocket.Socket
		sigsysSocket := func() (*unixsocket.Socket, error) {
			if sigsysSock == nil {
				s, err := unixsocket.NewSocket(sigsysFd)
				if err != nil {
					return nil, err
				}
				sigsysSock = s
			}
			return sigsysSock, nil
		}

		metainit.Run(&metainit.Config{
			CgroupSpec: cgroup.Spec{
				ScriptBasename: cfg.ScriptBasename,
				Invocation:     strconv.Itoa(os.Getpid()),
				MemoryLimit:    cfg.MemoryLimitBytes,
			},
			DisableSandboxing: cfg.DisableSandboxing,
			Comm:              cfg.Comm,
			WallTimeLimit:     cfg.WallTimeLimit,
			VMOverheadBytes:   cfg.VMOverheadBytes,
			MetaWriter:        metaWriter,
			SendChildPidfd: func(childPid int) error {
				sock, err := sigsysSocket()
				if err != nil {
					return err
				}
				return sigsysobserver.SendPidfd(sock, childPid)
			},
			SigsysDrain: func(timeout time.Duration) (int, bool) {
				sock, err := sigsysSocket()
				if err != nil {
					return 0, false
				}
				return sigsysobserver.Drain(sock, timeout)
			},
			SelfArgv: os.Args,
			SelfEnv:  os.Environ(),
			ExtraFiles: []*os.File{
				os.NewFile(uintptr(loggingFd), "log"),
				os.NewFile(uintptr(metaFd), "meta"),
				os.NewFile(uintptr(sigsysFd), "sigsys"),
			},
		})
		return nil // metainit.Run calls os.Exit; never reached
	}

	if err := jail.Enter(spec); err != nil {
		log.WithError(err).Error("enter jail")
		return 1
	}
	return 0 // unreachable: Enter hands off to meta-init, which os.Exit's
}

// RunMetaInitChild runs as the third process in the meta-init chain:
// meta-init's own re-exec of itself (metainit.IsChildEntry), inheriting the
// namespaces and mounts its parent already built rather than cloning its
// own, and the well-known fds 3/4/5 via metainit.Config.ExtraFiles on that
// re-exec. It rebuilds the target's jail.Spec from cfg via buildTargetSpec,
// then runs it directly via jail.ContinueEntry instead of jail.Enter,
// skipping the namespace/mount setup step Enter would otherwise repeat.
func RunMetaInitChild(cfg *Config, log *logrus.Logger) int {
	h, err := cgroup.Create(cgroup.Spec{
		ScriptBasename: cfg.ScriptBasename,
		Invocation:     strconv.Itoa(os.Getppid()),
		MemoryLimit:    cfg.MemoryLimitBytes,
	})
	if err != nil {
		log.WithError(err).Error("rejoin cgroup")
		return 1
	}

	targetSpec, plan, err := buildTargetSpec(cfg)
	if err != nil {
		log.WithError(err).Error("build target spec")
		return 1
	}
	defer plan.Close()

	if err := metainit.RunChild(&metainit.Config{
		DisableSandboxing: cfg.DisableSandboxing,
		RLimits:           cfg.RLimits,
		CloseChildFds:     func() error { return unix.Close(metaFd) },
		ContinueChild:     func() error { return jail.ContinueEntry(targetSpec) },
	}, h); err != nil {
		log.WithError(err).Error("run child")
		return 1
	}
	return 0 // unreachable: ContinueEntry execve's or exits
}

// buildTargetSpec builds the jail.Spec and stdio plan the real target runs
// under: its seccomp policy, its argv/env and the PreDropCaps/PreExecve
// hooks spec.md §4.4 orders (remount root read-only, bind-mount stdio,
// chdir, redirect stdio, close the logging fd). Called only from
// RunMetaInitChild, which reaches it via jail.ContinueEntry since its
// parent (runChild) already did the namespace/mount setup Enter would
// otherwise repeat.
func buildTargetSpec(cfg *Config) (*jail.Spec, *stdio.BindMountPlan, error) {
	plan, err := stdio.Plan(stdioRedirections(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("plan stdio redirection: %w", err)
	}
	socketPaths := plan.SocketPaths()

	hooks := []jail.Hook{
		{Name: "set-comm", Phase: jail.PreDropCaps, Run: func() error { return setComm(cfg.Comm) }},
	}
	// remount-root-read-only and bind-mount-stdio both assume a private
	// mount namespace to operate in; --disable-sandboxing never builds one
	// (spec.md §3: "skips namespaces"), so running them here would act
	// directly on the host's own root and stdio mounts instead.
	if !cfg.DisableSandboxing {
		hooks = append(hooks,
			jail.Hook{Name: "remount-root-read-only", Phase: jail.PreDropCaps, Run: remountRootReadOnly},
			jail.Hook{Name: "bind-mount-stdio", Phase: jail.PreDropCaps, Run: plan.BindMount},
		)
	}
	hooks = append(hooks,
		jail.Hook{Name: "chdir", Phase: jail.PreDropCaps, Run: func() error { return chdirHookFunc(cfg.Chdir) }},
		jail.Hook{Name: "redirect-stdio", Phase: jail.PreDropCaps, Run: func() error {
			return stdio.RedirectStdio(stdioRedirections(cfg), socketPaths, cfg.DisableSandboxing)
		}},
		jail.Hook{Name: "close-logging-fd", Phase: jail.PreExecve, Run: func() error { return unix.Close(loggingFd) }},
	)

	spec := &jail.Spec{
		InnerUID: defaultInnerUID,
		InnerGID: defaultInnerGID,
		Seccomp:  buildSeccompPolicy(cfg),
		Argv:     append([]string{cfg.Bin}, cfg.Args...),
		Env:      []string{"HOME=/home", "LANG=en_US.UTF-8", "PATH=/usr/bin"},
		Hooks:    hooks,
		OnSeccompInstalled: func(notifyFd int) error {
			sock, err := unixsocket.NewSocket(sigsysFd)
			if err != nil {
				return err
			}
			defer sock.Close()
			if notifyFd < 0 {
				return nil
			}
			return sigsysobserver.SendNotifyFd(sock, notifyFd)
		},
	}

	return spec, plan, nil
}

func resolveInnerIdentity() (uid, gid int, err error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return defaultInnerUID, defaultInnerGID, nil
	}
	u, err := user.Lookup(sudoUser)
	if err != nil {
		return 0, 0, fmt.Errorf("supervisor: lookup sudo user %q: %w", sudoUser, err)
	}
	uidN, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gidN, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uidN, gidN, nil
}

// pinCPUAffinity implements spec.md §4.3 step 3: if more than one CPU is in
// the current affinity set, pin to the lowest-numbered member to reduce
// scheduling jitter during measurement.
func pinCPUAffinity() error {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_getaffinity: %w", err)
	}
	if set.Count() <= 1 {
		return nil
	}
	lowest := -1
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			lowest = i
			break
		}
	}
	if lowest < 0 {
		return nil
	}
	var pinned unix.CPUSet
	pinned.Zero()
	pinned.Set(lowest)
	return unix.SchedSetaffinity(0, &pinned)
}

func stdioRedirections(cfg *Config) []stdio.Redirection {
	return []stdio.Redirection{
		{Stream: stdio.Stdin, Path: cfg.Stdin},
		{Stream: stdio.Stdout, Path: cfg.Stdout},
		{Stream: stdio.Stderr, Path: cfg.Stderr},
	}
}

// openMetaFile opens the --meta output file, or /dev/null when none was
// given: meta-init always wires fd 4 (see runParent), but only opens a real
// file behind it when there is somewhere to write a record.
func openMetaFile(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

func remountRootReadOnly() error {
	if err := unix.Mount("/", "/", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-remount /: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_BIND|unix.MS_REC|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount-ro /: %w", err)
	}
	if err := unix.Mount("", "/tmp", "", unix.MS_REMOUNT|unix.MS_NODEV|unix.MS_NOSUID, ""); err != nil {
		return fmt.Errorf("remount /tmp: %w", err)
	}
	return nil
}

// setComm implements spec.md §3's invocation-configuration "comm" field: if
// set, PR_SET_NAME the target as the first PreDropCaps hook. A no-op when
// empty, leaving the name metainit.RunChild already set ("omegajail").
func setComm(comm string) error {
	if comm == "" {
		return nil
	}
	var b [16]byte
	copy(b[:], comm)
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0); err != nil {
		return fmt.Errorf("supervisor: PR_SET_NAME: %w", err)
	}
	return nil
}

func chdirHookFunc(dir string) error {
	if dir == "" {
		return nil
	}
	return unix.Chdir(dir)
}

// buildSeccompPolicy constructs the filter this jail installs. The actual
// allow/trap/notify lists are normally produced by the language-specific
// policy compiler spec.md §1 places out of scope; when the caller supplies
// none, a conservative baseline (enough for a statically-linked ELF binary
// doing basic I/O) is used so the jail always has something to install.
func buildSeccompPolicy(cfg *Config) *jail.SeccompPolicy {
	allow := cfg.AllowedSyscalls
	if len(allow) == 0 {
		allow = defaultAllowedSyscalls
	}
	notify := cfg.NotifySyscalls
	if len(notify) == 0 {
		// The sigsys observer is always wired up (see runParent), so the
		// user-notification channel always has something to drain it.
		notify = []string{"ptrace"}
	}
	return &jail.SeccompPolicy{
		Allow:     allow,
		Trap:      cfg.TrapSyscalls,
		UserNotif: notify,
		Default:   jail.ActionTrap,
	}
}

var defaultAllowedSyscalls = []string{
	"read", "write", "open", "openat", "close", "fstat", "stat", "lstat",
	"mmap", "munmap", "mprotect", "brk", "rt_sigaction", "rt_sigprocmask",
	"rt_sigreturn", "exit", "exit_group", "arch_prctl", "access", "execve",
	"readlink", "getrandom", "set_tid_address", "set_robust_list",
	"futex", "clock_gettime", "gettimeofday", "lseek", "dup", "dup2",
	"pread64", "pwrite64", "ioctl", "fcntl",
}
