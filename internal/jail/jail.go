// Package jail is the primitive sandbox-construction library (C1):
// namespace entry, uid/gid mapping, capability drop, mount setup and
// seccomp filter installation, driven by an ordered set of hooks. It owns
// none of the judging semantics; internal/supervisor and internal/metainit
// configure it to implement spec.md's actual behavior. Adapted from the
// teacher's container package (the reexec-as-pid-1 idiom of
// container_init_linux.go's Init, generalized from the teacher's
// socket-command-server model to a hook-list the caller drives directly)
// and its forkexec package (namespace/uid-gid-mapping construction).
package jail

import (
	"fmt"
	"os"
	"os/exec"
)

// Phase identifies when a Hook runs relative to the two irreversible steps
// of entering the jail: dropping capabilities and calling execve.
type Phase int

const (
	// PreDropCaps hooks run after namespaces/mounts are set up but before
	// capabilities are dropped and no-new-privs is set.
	PreDropCaps Phase = iota
	// PreExecve hooks run after capabilities are dropped, immediately
	// before the target is exec'd.
	PreExecve
)

// Hook is one step the supervisor or meta-init registers to run inside the
// jail, in the Phase it belongs to. Hooks run in registration order within
// their phase; spec.md §4.4 pins the exact order the supervisor uses.
type Hook struct {
	Name  string
	Phase Phase
	Run   func() error
}

// Mount describes one filesystem to mount while building the container's
// view, applied in order before pivot_root. Grounded on the teacher's
// pkg/mount.Mount (bind+read-only-remount idiom), trimmed to the one
// Flags-driven call this jail needs.
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}

// Spec is the full configuration for one jail: every namespace/mount/cap
// decision the supervisor made, plus the ordered hooks to run once inside.
type Spec struct {
	// InnerUID/InnerGID: real uid/gid outside the namespace mapped to this uid/
	// gid inside it. 1000 unless invoked via sudo, per spec.md §4.3 step 5.
	InnerUID, InnerGID int

	// DisableNamespaces skips the clone(2) CLONE_NEW* mask entirely: the
	// re-exec'd process stays in the caller's own namespaces rather than
	// getting fresh ones. Set when the supervisor's escape hatch
	// (--disable-sandboxing) is active; Launch then also skips the uid/gid
	// map writes, since there is no new user namespace to map into.
	DisableNamespaces bool

	Hostname string

	// Root is the path the jail pivot_roots into; it must already contain
	// everything the target and the hooks need (the teacher builds this
	// as a tmpfs populated by Mounts; this jail expects Root to already
	// exist, leaving tmpfs construction to the caller's Mounts list).
	Root string

	Mounts []Mount

	// ExtraFiles are placed at fd 3, 4, 5, ... in the re-exec'd process,
	// matching spec.md §3's well-known fd contract (logging=3, meta=4,
	// sigsys-notification=5) the caller is responsible for ordering. Only
	// meaningful to Launch: Enter runs in the already-spawned child, which
	// finds these fds already open at their numbers.
	ExtraFiles []*os.File

	// ReexecArgv is argv (without argv0) Launch re-execs the binary with,
	// after the reexec marker. It is the original CLI invocation's own
	// argv, letting the child's normal flag parser reconstruct an
	// equivalent Spec — not the target's argv, which execveTarget reads
	// from Argv below.
	ReexecArgv []string

	Seccomp *SeccompPolicy // nil disables seccomp filtering entirely

	Hooks []Hook

	// MetaInit, when set, replaces the first PreDropCaps hook (spec.md
	// §4.4 step 1's "meta-init entry" branch): Enter calls it instead of
	// running into the flat hook loop, handing it a continuation that
	// finishes the remaining PreDropCaps hooks, drops capabilities, runs
	// the PreExecve hooks and execve's the target. MetaInit owns whether
	// and when that continuation runs (it forks first) and never returns
	// control back to Enter.
	MetaInit func(continueJail func() error) error

	// OnSeccompInstalled, when set, runs right after Seccomp.Install
	// succeeds, in the same process about to execve the target, with the
	// freshly obtained user-notification fd (-1 if the policy requested
	// none). It exists so the caller can hand that fd to the sigsys
	// observer over a channel that survives the re-exec boundary (the fd
	// is only valid in this process; Seccomp's own notifyFd field never
	// crosses back to whichever process launched this one).
	OnSeccompInstalled func(notifyFd int) error

	Argv []string
	Env  []string
}

// reexecMarker is argv[1] the jail's own binary re-execs itself with to
// signal "you are now pid 1 of the new namespaces, proceed to Enter",
// mirroring the teacher's initArg convention in container_init_linux.go.
const reexecMarker = "omegajail-reexec-init"

// IsReexecEntry reports whether the current process was re-exec'd as the
// init of a fresh namespace set, the condition cmd/omegajail-run checks at
// startup before dispatching into Enter instead of the normal CLI path.
func IsReexecEntry() bool {
	return len(os.Args) > 1 && os.Args[1] == reexecMarker
}

// Launch starts a fresh copy of the running binary inside new namespaces
// per spec, re-entering it with the reexec marker so the next invocation's
// IsReexecEntry/Enter pair takes over as pid 1. It is the No-preload launch
// step of spec.md §4.3 step 6.
func Launch(spec *Spec) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("jail: resolve self: %w", err)
	}
	cmd := exec.Command(self, append([]string{reexecMarker}, spec.ReexecArgv...)...)
	cmd.Env = spec.Env
	cmd.SysProcAttr = cloneSysProcAttr(spec)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = spec.ExtraFiles
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("jail: start: %w", err)
	}
	if !spec.DisableNamespaces {
		if err := writeIDMaps(cmd.Process.Pid, spec.InnerUID, spec.InnerGID); err != nil {
			cmd.Process.Kill()
			return nil, fmt.Errorf("jail: write id maps: %w", err)
		}
	}
	return cmd, nil
}

// Enter runs inside the freshly cloned namespaces, as their pid 1. It
// performs the filesystem setup, then either hands off to spec.MetaInit or
// runs straight into ContinueEntry. It never returns on success.
func Enter(spec *Spec) error {
	if err := setupNamespaceIdentity(spec); err != nil {
		return fmt.Errorf("jail: namespace identity: %w", err)
	}
	if err := buildRoot(spec); err != nil {
		return fmt.Errorf("jail: build root: %w", err)
	}

	if spec.MetaInit != nil {
		return spec.MetaInit(func() error { return ContinueEntry(spec) })
	}
	return ContinueEntry(spec)
}

// ContinueEntry runs the PreDropCaps hooks, drops capabilities, runs the
// PreExecve hooks, installs the seccomp filter and execve's the target. It
// assumes the namespace/mount setup Enter's first half performs has
// already happened — true not just for Enter's own non-MetaInit path but
// for meta-init's forked target too, which re-execs within the namespaces
// its parent already entered rather than cloning fresh ones, so it calls
// this directly instead of Enter.
func ContinueEntry(spec *Spec) error {
	if err := runHooks(spec.Hooks, PreDropCaps); err != nil {
		return fmt.Errorf("jail: pre-drop-caps hooks: %w", err)
	}
	if err := dropCapabilities(); err != nil {
		return fmt.Errorf("jail: drop capabilities: %w", err)
	}
	if err := runHooks(spec.Hooks, PreExecve); err != nil {
		return fmt.Errorf("jail: pre-execve hooks: %w", err)
	}
	if spec.Seccomp != nil {
		if err := spec.Seccomp.Install(); err != nil {
			return fmt.Errorf("jail: install seccomp filter: %w", err)
		}
		if spec.OnSeccompInstalled != nil {
			if err := spec.OnSeccompInstalled(spec.Seccomp.NotifyFd()); err != nil {
				return fmt.Errorf("jail: on seccomp installed: %w", err)
			}
		}
	}
	return execveTarget(spec)
}

func runHooks(hooks []Hook, phase Phase) error {
	for _, h := range hooks {
		if h.Phase != phase {
			continue
		}
		if err := h.Run(); err != nil {
			return fmt.Errorf("hook %q: %w", h.Name, err)
		}
	}
	return nil
}
