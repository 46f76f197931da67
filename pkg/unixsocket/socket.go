// Package unixsocket wraps a Linux SOCK_SEQPACKET unix socket for sending
// and receiving out-of-band messages, in particular the pidfd that
// meta-init hands to the SIGSYS observer (spec.md §4.6) and the 4-byte
// syscall number the observer echoes back. Adapted from the teacher's
// pkg/unixsocket, trimmed to the single send/recv shape this module needs.
package unixsocket

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
)

// oobSize defaults to a page, matching the teacher's choice: big enough for
// a handful of SCM_RIGHTS fds plus SCM_CREDENTIALS, never resized.
const oobSize = 4096

var oobPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, oobSize)
	},
}

// Socket wraps a connected unix socket.
type Socket struct {
	*net.UnixConn
}

// Msg is the out-of-band payload alongside a regular message.
type Msg struct {
	Fds  []int          // SCM_RIGHTS
	Cred *syscall.Ucred // SCM_CREDENTIALS
}

// NewSocket adopts an existing fd (e.g. the well-known sigsys-notification
// fd placed at fd 5 inside the jail, or one end of a socketpair) as a
// Socket, marking it close-on-exec so it never leaks into the target.
func NewSocket(fd int) (*Socket, error) {
	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, fmt.Errorf("unixsocket: fd(%d) is not a valid fd", fd)
	}
	defer file.Close()
	syscall.CloseOnExec(int(file.Fd()))
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unixsocket: fd(%d) is not a unix socket", fd)
	}
	return &Socket{unixConn}, nil
}

// NewSocketPair creates a connected SOCK_SEQPACKET socketpair, the shape the
// supervisor places one end of at fd 5 before entering the jail.
func NewSocketPair() (a, b *Socket, err error) {
	fd, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("unixsocket: socketpair: %w", err)
	}
	a, err = NewSocket(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("unixsocket: NewSocket(a): %w", err)
	}
	b, err = NewSocket(fd[1])
	if err != nil {
		a.Close()
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("unixsocket: NewSocket(b): %w", err)
	}
	return a, b, nil
}

// SetPassCred toggles SO_PASSCRED, needed before RecvMsg will see
// SCM_CREDENTIALS ancillary data.
func (s *Socket) SetPassCred(enable bool) error {
	sysconn, err := s.SyscallConn()
	if err != nil {
		return err
	}
	v := 0
	if enable {
		v = 1
	}
	var ctlErr error
	err = sysconn.Control(func(fd uintptr) {
		ctlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_PASSCRED, v)
	})
	if err != nil {
		return err
	}
	return ctlErr
}

// SendMsg sends b with optional ancillary fds/credentials.
func (s *Socket) SendMsg(b []byte, m *Msg) error {
	var oob []byte
	if m != nil {
		if len(m.Fds) > 0 {
			oob = append(oob, syscall.UnixRights(m.Fds...)...)
		}
		if m.Cred != nil {
			oob = append(oob, syscall.UnixCredentials(m.Cred)...)
		}
	}
	_, _, err := s.WriteMsgUnix(b, oob, nil)
	return err
}

// SendFD sends a single fd (with no accompanying payload bytes), the shape
// meta-init uses to hand the target's pidfd to the observer.
func (s *Socket) SendFD(fd int) error {
	return s.SendMsg(nil, &Msg{Fds: []int{fd}})
}

// RecvMsg receives into b, returning the number of bytes read and any
// ancillary message.
func (s *Socket) RecvMsg(b []byte) (int, *Msg, error) {
	oob := oobPool.Get().([]byte)
	defer oobPool.Put(oob)
	n, oobn, _, _, err := s.ReadMsgUnix(b, oob)
	if err != nil {
		return 0, nil, err
	}
	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, err
	}
	msg, err := parseMsg(msgs)
	if err != nil {
		return 0, nil, err
	}
	return n, msg, nil
}

func parseMsg(msgs []syscall.SocketControlMessage) (*Msg, error) {
	var msg Msg
	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET {
			continue
		}
		switch m.Header.Type {
		case syscall.SCM_CREDENTIALS:
			cred, err := syscall.ParseUnixCredentials(&m)
			if err != nil {
				return nil, err
			}
			msg.Cred = cred
		case syscall.SCM_RIGHTS:
			fds, err := syscall.ParseUnixRights(&m)
			if err != nil {
				return nil, err
			}
			msg.Fds = fds
		}
	}
	return &msg, nil
}
