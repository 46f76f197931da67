//go:build linux

package unixsocket

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvMsgPayloadOnly(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.SendMsg([]byte("message"), nil)
	}()

	buf := make([]byte, 64)
	n, _, err := b.RecvMsg(buf)
	require.NoError(t, err)
	assert.Equal(t, "message", string(buf[:n]))
}

func TestSendRecvMsgFds(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	tmpfile, err := os.CreateTemp("", "unixsocket-fd")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	go func() {
		_ = a.SendMsg([]byte("fdtest"), &Msg{Fds: []int{int(tmpfile.Fd())}})
	}()

	buf := make([]byte, 64)
	n, m, err := b.RecvMsg(buf)
	require.NoError(t, err)
	assert.Equal(t, "fdtest", string(buf[:n]))
	require.Len(t, m.Fds, 1)
	syscall.Close(m.Fds[0])
}

func TestSendFD(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	tmpfile, err := os.CreateTemp("", "unixsocket-sendfd")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	go func() {
		_ = a.SendFD(int(tmpfile.Fd()))
	}()

	buf := make([]byte, 64)
	_, m, err := b.RecvMsg(buf)
	require.NoError(t, err)
	require.Len(t, m.Fds, 1)
	syscall.Close(m.Fds[0])
}

func TestNewSocketPairClose(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, b.Close())
}

func TestNewSocketInvalidFd(t *testing.T) {
	_, err := NewSocket(-1)
	assert.Error(t, err)
}

func TestSetPassCredOnClosedSocket(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)
	defer b.Close()

	a.Close()
	assert.Error(t, a.SetPassCred(true))
}
