package jail

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// dropCapabilities clears the bounding, ambient, effective and permitted
// capability sets and sets no-new-privs, per spec.md §4.3 step 5. The
// teacher's repo never drops capabilities itself (its containers run
// unprivileged already); this is grounded directly on
// _examples/original_source/main.cpp's use_caps(0)/set_ambient_caps/
// no_new_privs sequence, translated to the golang.org/x/sys/unix
// prctl/capset primitives the teacher's forkexec package otherwise reaches
// for when it needs raw prctl calls.
func dropCapabilities() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	for cap := 0; ; cap++ {
		err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(cap), 0, 0, 0)
		if err == unix.EINVAL {
			break // cap exceeds the kernel's last known capability
		}
		if err != nil && err != unix.EPERM {
			return fmt.Errorf("prctl(PR_CAPBSET_DROP, %d): %w", cap, err)
		}
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	data := [2]unix.CapUserData{}
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}
	return nil
}
