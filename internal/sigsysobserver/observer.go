// Package sigsysobserver implements C6, the out-of-container channel that
// carries the offending syscall number from the seccomp user-notification
// fd (which only the unprivileged supervisor process, not meta-init, can
// read without racing the tracer) back to meta-init. Grounded on
// spec.md §4.6 and on the teacher's pkg/unixsocket for the SCM_RIGHTS
// fd-passing half; the seccomp notification ioctls themselves have no
// golang.org/x/sys/unix wrapper, so notif_linux.go hand-rolls the request
// numbers the way ptrace_linux.go hand-rolls PTRACE_GETSIGINFO's siginfo_t.
package sigsysobserver

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/omegaup/omegajail-go/pkg/unixsocket"
)

// Observer is the supervisor-side half of spec.md §4.6: it owns the peer
// end of the sigsys socket and is the one multi-threaded actor outside the
// jail (run as its own goroutine). The seccomp user-notification fd itself
// only comes into existence inside the jailed process after its filter
// installs, so Run receives it over sock rather than taking it as an
// argument: the fd number Install obtains is meaningless in this process
// until handed across via SCM_RIGHTS.
type Observer struct {
	sock *unixsocket.Socket
}

// New adopts the socket peer, owned by the Observer from this point on:
// Run closes it before returning.
func New(sock *unixsocket.Socket) *Observer {
	return &Observer{sock: sock}
}

// Run executes the full protocol of spec.md §4.6: receive the target's
// pidfd, receive the notification fd once the target's seccomp filter
// installs, wait for one seccomp notification, echo the syscall number
// back, respond to the kernel with the filter's default (kill) action,
// then close everything and return. It blocks until the socket signals
// EOF/closure or a message arrives, so it should be run in its own
// goroutine.
func (o *Observer) Run() error {
	defer o.sock.Close()

	if _, pidfdMsg, err := o.sock.RecvMsg(make([]byte, 1)); err != nil {
		// Meta-init failed before sending the pidfd (e.g. fork failed);
		// nothing more to do.
		return fmt.Errorf("sigsysobserver: recv pidfd: %w", err)
	} else {
		closeFds(pidfdMsg)
	}

	_, notifyMsg, err := o.sock.RecvMsg(make([]byte, 1))
	if err != nil {
		return fmt.Errorf("sigsysobserver: recv notify fd: %w", err)
	}
	if notifyMsg == nil || len(notifyMsg.Fds) != 1 {
		return fmt.Errorf("sigsysobserver: expected one notify fd, got %v", notifyMsg)
	}
	notifyFd := notifyMsg.Fds[0]
	defer unix.Close(notifyFd)

	notif, err := waitForNotification(notifyFd)
	if err != nil {
		return fmt.Errorf("sigsysobserver: wait for notification: %w", err)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(notif.Data.Nr))
	if err := o.sock.SendMsg(buf[:], nil); err != nil {
		return fmt.Errorf("sigsysobserver: echo syscall number: %w", err)
	}

	return respondKill(notifyFd, notif.ID)
}

func closeFds(m *unixsocket.Msg) {
	if m == nil {
		return
	}
	for _, fd := range m.Fds {
		unix.Close(fd)
	}
}

// waitForNotification blocks via epoll on notifyFd, then issues
// SECCOMP_IOCTL_NOTIF_RECV once it's readable.
func waitForNotification(notifyFd int) (*seccompNotif, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(notifyFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, notifyFd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl: %w", err)
	}

	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		if n > 0 {
			break
		}
	}

	var notif seccompNotif
	if err := notifIoctl(notifyFd, seccompIoctlNotifRecv, &notif); err != nil {
		return nil, fmt.Errorf("SECCOMP_IOCTL_NOTIF_RECV: %w", err)
	}
	return &notif, nil
}

// respondKill replies to the kernel with the filter's default action: this
// observer never overrides the syscall, it only reports it, so Error is set
// to 0 and Val left at the kernel's RET_KILL_PROCESS default by simply not
// setting the CONTINUE flag.
func respondKill(notifyFd int, id uint64) error {
	resp := seccompNotifResp{ID: id}
	if err := notifIoctl(notifyFd, seccompIoctlNotifSend, &resp); err != nil {
		return fmt.Errorf("SECCOMP_IOCTL_NOTIF_SEND: %w", err)
	}
	return nil
}
