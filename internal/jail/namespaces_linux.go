package jail

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// cloneSysProcAttr builds the Cloneflags the teacher's forkexec package
// applies per clone(2) call, generalized here to the fixed namespace set
// spec.md §4.3 step 5 always requests: user, cgroup, ipc, net, pid, uts and
// mount. Under the --disable-sandboxing escape hatch none of that mask is
// set: the re-exec'd process stays in the caller's namespaces, and only
// gets its own session.
func cloneSysProcAttr(spec *Spec) *syscall.SysProcAttr {
	if spec.DisableNamespaces {
		return &syscall.SysProcAttr{Setsid: true}
	}
	return &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWCGROUP | unix.CLONE_NEWIPC |
			unix.CLONE_NEWNET | unix.CLONE_NEWPID | unix.CLONE_NEWUTS | unix.CLONE_NEWNS,
		Setsid: true,
	}
}

// writeIDMaps writes uid_map/gid_map/setgroups for the freshly cloned
// child, mapping its real (outer) uid/gid to innerUID/innerGID inside the
// new user namespace. Adapted from the teacher's forkexec/userns.go, which
// only ever mapped uid 0; this jail instead maps to the supervisor-chosen
// inner identity (1000, or the sudo invoker) per spec.md §4.3 step 5.
func writeIDMaps(pid, innerUID, innerGID int) error {
	pidStr := strconv.Itoa(pid)
	if err := writeProcFile("/proc/"+pidStr+"/uid_map",
		fmt.Sprintf("%d %d 1", innerUID, unix.Geteuid())); err != nil {
		return err
	}
	if err := writeProcFile("/proc/"+pidStr+"/setgroups", "deny"); err != nil {
		return err
	}
	if err := writeProcFile("/proc/"+pidStr+"/gid_map",
		fmt.Sprintf("%d %d 1", innerGID, unix.Getegid())); err != nil {
		return err
	}
	return nil
}

func writeProcFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// setupNamespaceIdentity sets the hostname inside the freshly entered uts
// namespace. Run before buildRoot since sethostname has no filesystem
// dependency and failing fast here avoids leaving a half-built root behind.
func setupNamespaceIdentity(spec *Spec) error {
	if spec.Hostname == "" {
		return nil
	}
	return unix.Sethostname([]byte(spec.Hostname))
}

// buildRoot performs the mounts the caller configured, pivots into Root
// and unmounts the old root, matching the teacher's
// container_init_linux.go's initFileSystem pivot_root/unmount/remove
// sequence.
func buildRoot(spec *Spec) error {
	for _, m := range spec.Mounts {
		if err := mountOne(m); err != nil {
			return fmt.Errorf("mount %s -> %s: %w", m.Source, m.Target, err)
		}
	}
	if spec.Root == "" {
		return nil
	}
	if err := unix.Chdir(spec.Root); err != nil {
		return fmt.Errorf("chdir(%s): %w", spec.Root, err)
	}
	const oldRoot = "old_root"
	if err := os.Mkdir(oldRoot, 0755); err != nil {
		return fmt.Errorf("mkdir(%s): %w", oldRoot, err)
	}
	if err := unix.PivotRoot(".", oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/"+oldRoot, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount(%s): %w", oldRoot, err)
	}
	return os.Remove("/" + oldRoot)
}

func mountOne(m Mount) error {
	if err := os.MkdirAll(m.Target, 0755); err != nil {
		return err
	}
	if err := unix.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Data); err != nil {
		return err
	}
	const bindRO = unix.MS_BIND | unix.MS_RDONLY
	if m.Flags&bindRO == bindRO {
		return unix.Mount("", m.Target, m.FsType, m.Flags|unix.MS_REMOUNT, m.Data)
	}
	return nil
}

func execveTarget(spec *Spec) error {
	argv0, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		argv0 = spec.Argv[0]
	}
	return unix.Exec(argv0, spec.Argv, spec.Env)
}
