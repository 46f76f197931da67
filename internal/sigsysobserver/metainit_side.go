package sigsysobserver

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/omegaup/omegajail-go/pkg/unixsocket"
)

// SendPidfd implements meta-init's half of spec.md §4.5 step 4 / §4.6 step
// 1: open a pidfd on childPid and hand it to the observer over sock. sock is
// left open afterwards: the target's own fd 5 is a dup of the same
// underlying socket and still needs it to send the notification fd once
// its seccomp filter is installed, and shutdown(2) applies to the whole
// socket rather than just this fd's copy of it.
func SendPidfd(sock *unixsocket.Socket, childPid int) error {
	pidfd, err := unix.PidfdOpen(childPid, 0)
	if err != nil {
		return fmt.Errorf("sigsysobserver: pidfd_open(%d): %w", childPid, err)
	}
	defer unix.Close(pidfd)
	if err := sock.SendFD(pidfd); err != nil {
		return fmt.Errorf("sigsysobserver: send pidfd: %w", err)
	}
	return nil
}

// SendNotifyFd implements the target's half of spec.md §4.6 step 2: hand
// the seccomp user-notification fd obtained by Install to the observer, the
// one piece of the protocol that can only run inside the jailed process
// itself since the fd is meaningless anywhere else until duplicated here.
func SendNotifyFd(sock *unixsocket.Socket, notifyFd int) error {
	if err := sock.SendFD(notifyFd); err != nil {
		return fmt.Errorf("sigsysobserver: send notify fd: %w", err)
	}
	return nil
}

// Drain implements meta-init's bounded read of spec.md §4.5 step 8 / §4.6
// step 4: block up to timeout (via epoll_wait, the same 1 s cap
// original_source/main.cpp's ReceiveExitSyscall uses) for the observer's
// 4-byte syscall number. Short reads, EOF and timeout all report ok=false;
// meta-init treats all three as "no value" and leaves exit_syscall unset.
// The cap is kept rather than waiting for EOF: stray copies of the socket
// fd held elsewhere can keep EOF from ever arriving, and an unbounded read
// here would then deadlock against the supervisor's own wait on the jail.
func Drain(sock *unixsocket.Socket, timeout time.Duration) (syscallNr int, ok bool) {
	rawConn, err := sock.SyscallConn()
	if err != nil {
		return 0, false
	}
	var fd int
	if ctlErr := rawConn.Control(func(f uintptr) { fd = int(f) }); ctlErr != nil {
		return 0, false
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return 0, false
	}
	defer unix.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, false
	}

	events := make([]unix.EpollEvent, 1)
	n, err := unix.EpollWait(epfd, events, int(timeout.Milliseconds()))
	if err != nil || n <= 0 {
		return 0, false
	}

	var buf [4]byte
	read, _, err := sock.RecvMsg(buf[:])
	if err != nil || read != len(buf) {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(buf[:])), true
}
