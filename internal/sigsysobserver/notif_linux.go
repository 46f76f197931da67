package sigsysobserver

import "unsafe"

// seccompData mirrors struct seccomp_data from <linux/seccomp.h>: the
// syscall-number/arch/ip/args tuple the kernel hands the BPF program and,
// on a user-notification stop, repeats inside seccompNotif.
type seccompData struct {
	Nr                 int32
	Arch               uint32
	InstructionPointer uint64
	Args               [6]uint64
}

// seccompNotif mirrors struct seccomp_notif: the kernel's side of
// SECCOMP_IOCTL_NOTIF_RECV.
type seccompNotif struct {
	ID    uint64
	Pid   uint32
	Flags uint32
	Data  seccompData
}

// seccompNotifResp mirrors struct seccomp_notif_resp, what this side sends
// back via SECCOMP_IOCTL_NOTIF_SEND.
type seccompNotifResp struct {
	ID    uint64
	Val   int64
	Error int32
	Flags uint32
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
	iocMagic = '!' // SECCOMP_IOC_MAGIC
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | iocMagic<<8 | nr
}

var (
	// golang.org/x/sys/unix has no seccomp-notification ioctl wrappers, so
	// these request numbers are computed the way <linux/seccomp.h>'s
	// SECCOMP_IOWR macro does, from the hand-rolled struct sizes above.
	seccompIoctlNotifRecv = ioc(iocRead|iocWrite, 0, unsafe.Sizeof(seccompNotif{}))
	seccompIoctlNotifSend = ioc(iocRead|iocWrite, 1, unsafe.Sizeof(seccompNotifResp{}))
)
