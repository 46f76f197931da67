// Package stdio implements the stdio redirector of spec.md §4.2: binding
// host paths or sockets onto a target's stdin/stdout/stderr, both inside a
// sandboxed container (via a bind-mounted tmpfs) and directly for
// unsandboxed runs. Adapted from the teacher's pkg/mount (Mount.Mount's
// bind+remount-for-read-only idiom) and grounded on
// _examples/original_source/main.cpp's OpenFile/OpenStdio/RedirectStdio for
// the ENXIO-means-socket detection and the stdio-socket connect/shutdown
// protocol.
package stdio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Stream identifies which of the three standard streams a redirection is
// for.
type Stream int

const (
	Stdin Stream = iota
	Stdout
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

func (s Stream) fd() int {
	return int(s)
}

// mountDir is the tmpfs the supervisor mounts at /mnt/stdio before
// entering the jail; the bind-mount-stdio hook binds files onto it and the
// redirect-stdio hook, once stdio is dup'd onto fds 0/1/2, unmounts it with
// MNT_DETACH so the paths never appear in /proc/self/mountinfo inside the
// target.
const mountDir = "/mnt/stdio"

// Redirection is one requested stdio binding, as configured by the CLI's
// --stdin/--stdout/--stderr flags.
type Redirection struct {
	Stream Stream
	Path   string // host path, or empty to leave the stream untouched
}

// errSocketPath is returned by openHost (never surfaced to callers) to
// signal that Path names a SEQPACKET stdio socket rather than a regular
// file, per the ENXIO convention original_source/main.cpp's OpenFile uses.
var errSocketPath = errors.New("stdio: path is a socket")

func isWriteSide(s Stream) bool {
	return s == Stdout || s == Stderr
}

// openHost opens path the way the target stream needs: O_NOFOLLOW always,
// plus O_CREAT|O_TRUNC with mode 0644 for the write side. An ENXIO error
// means path is actually a listening AF_UNIX SEQPACKET socket rather than
// a regular file or fifo; callers fall back to the stdio-socket protocol.
func openHost(path string, s Stream) (*os.File, error) {
	flags := unix.O_NOFOLLOW
	if isWriteSide(s) {
		flags |= os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	} else {
		flags |= os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return nil, errSocketPath
		}
		return nil, err
	}
	return f, nil
}

// ConnectSocket implements the stdio-socket protocol of spec.md §4.2: dial
// the AF_UNIX/SEQPACKET socket at path and shut down the direction the
// target stream does not use, so a misbehaving target cannot read back
// what it wrote or vice versa.
func ConnectSocket(path string, s Stream) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("stdio: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stdio: connect %s: %w", path, err)
	}
	how := unix.SHUT_RD
	if !isWriteSide(s) {
		how = unix.SHUT_WR
	}
	if err := unix.Shutdown(fd, how); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stdio: shutdown %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// Open resolves one Redirection to an *os.File, trying a regular-file open
// first and falling back to the stdio-socket protocol on ENXIO.
func Open(r Redirection) (*os.File, error) {
	f, err := openHost(r.Path, r.Stream)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, errSocketPath) {
		return nil, err
	}
	return ConnectSocket(r.Path, r.Stream)
}

// BindMountPlan is the first half of the sandboxed mode: for each requested
// redirection it opens the host path (or detects a stdio socket) before the
// bind-mount-stdio and redirect-stdio hooks run. Its caller builds it inside
// the namespaces meta-init already entered; the host paths still resolve
// there because the jail keeps the existing root rather than pivoting.
type BindMountPlan struct {
	entries []planEntry
}

type planEntry struct {
	stream Stream
	host   *os.File // nil when this stream binds to a stdio socket instead
	path   string
}

// Plan opens every host-backed redirection (skipping sockets, which are
// connected post-namespace) and records enough to bind-mount them once the
// tmpfs at /mnt/stdio exists inside the container.
func Plan(redirections []Redirection) (*BindMountPlan, error) {
	plan := &BindMountPlan{}
	for _, r := range redirections {
		if r.Path == "" {
			continue
		}
		f, err := openHost(r.Path, r.Stream)
		if err != nil {
			if errors.Is(err, errSocketPath) {
				plan.entries = append(plan.entries, planEntry{stream: r.Stream, path: r.Path})
				continue
			}
			plan.Close()
			return nil, fmt.Errorf("stdio: open %s: %w", r.Path, err)
		}
		plan.entries = append(plan.entries, planEntry{stream: r.Stream, host: f, path: r.Path})
	}
	return plan, nil
}

// SocketPaths returns the stdio-socket path for each redirection Plan
// detected via ENXIO, keyed by stream. The redirect-stdio hook needs this
// map verbatim since a bind-mounted socket special file cannot be
// connect(2)'d the normal way.
func (p *BindMountPlan) SocketPaths() map[Stream]string {
	paths := map[Stream]string{}
	for _, e := range p.entries {
		if e.host == nil {
			paths[e.stream] = e.path
		}
	}
	return paths
}

// Close releases every host fd the plan opened. Safe to call more than
// once.
func (p *BindMountPlan) Close() {
	for i := range p.entries {
		if p.entries[i].host != nil {
			p.entries[i].host.Close()
			p.entries[i].host = nil
		}
	}
}

// BindMount performs the bind mounts onto /mnt/stdio/{stdin,stdout,stderr}
// inside the to-be-entered container. Must run after /mnt/stdio exists but
// before the mount namespace's root changes beneath it, matching the order
// the jail's namespace-construction phase uses.
func (p *BindMountPlan) BindMount() error {
	for _, e := range p.entries {
		if e.host == nil {
			continue // stdio socket; handled post-namespace by the redirect-stdio hook
		}
		target := mountDir + "/" + e.stream.String()
		if err := bindFile(e.host.Name(), target); err != nil {
			return fmt.Errorf("stdio: bind-mount %s onto %s: %w", e.path, target, err)
		}
	}
	return nil
}

func bindFile(source, target string) error {
	if f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		f.Close()
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return err
	}
	return nil
}

// RedirectStdio is the redirect-stdio PRE_DROP_CAPS hook of spec.md §4.4
// step 4, run once inside the container's mount namespace: open each of
// /mnt/stdio/{stdin,stdout,stderr} (or connect its socket), dup2 it onto
// fd 0/1/2, then detach-unmount /mnt/stdio so its source paths do not leak
// through /proc/self/mountinfo. socketPaths carries the original --stdin/
// --stdout/--stderr values for any stream whose path was detected to be a
// stdio socket during Plan, since a bind-mounted socket special file
// cannot be connect(2)'d the normal way.
func RedirectStdio(redirections []Redirection, socketPaths map[Stream]string, disableSandboxing bool) error {
	for _, r := range redirections {
		var f *os.File
		var err error
		if socketPath, ok := socketPaths[r.Stream]; ok {
			f, err = ConnectSocket(socketPath, r.Stream)
		} else if r.Path != "" {
			flags := os.O_RDONLY
			if isWriteSide(r.Stream) {
				flags = os.O_WRONLY
			}
			if disableSandboxing {
				// No private mount namespace exists to have bind-mounted
				// /mnt/stdio into in the first place; open the host path
				// directly, matching original_source/main.cpp's
				// disable_sandboxing branch.
				f, err = os.OpenFile(r.Path, flags, 0)
			} else {
				f, err = os.OpenFile(mountDir+"/"+r.Stream.String(), flags, 0)
			}
		} else {
			continue
		}
		if err != nil {
			if disableSandboxing && r.Stream == Stderr {
				// original_source/main.cpp's RedirectStdio: under
				// --disable-sandboxing a stderr open failure is
				// reported best-effort and does not abort the run.
				fmt.Fprintf(os.Stderr, "stdio: best-effort stderr redirect failed: %v\n", err)
				continue
			}
			return fmt.Errorf("stdio: redirect %s: %w", r.Stream, err)
		}
		if disableSandboxing && r.Stream == Stderr {
			// Under --disable-sandboxing the stderr file is only opened,
			// never dup'd onto fd 2, matching original_source/main.cpp's
			// RedirectStdio.
			f.Close()
			continue
		}
		if err := unix.Dup2(int(f.Fd()), r.Stream.fd()); err != nil {
			f.Close()
			return fmt.Errorf("stdio: dup2 %s: %w", r.Stream, err)
		}
		f.Close()
	}
	if !disableSandboxing {
		if err := unix.Unmount(mountDir, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("stdio: detach-unmount %s: %w", mountDir, err)
		}
	}
	return nil
}
