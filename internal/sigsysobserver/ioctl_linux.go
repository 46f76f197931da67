package sigsysobserver

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// notifIoctl issues one of the seccomp-notification ioctls against fd,
// round-tripping the given request struct in place.
func notifIoctl(fd int, req uintptr, arg interface{}) error {
	var ptr unsafe.Pointer
	switch v := arg.(type) {
	case *seccompNotif:
		ptr = unsafe.Pointer(v)
	case *seccompNotifResp:
		ptr = unsafe.Pointer(v)
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(ptr))
	if errno != 0 {
		return errno
	}
	return nil
}
