package sigsysobserver

import (
	"os"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/omegaup/omegajail-go/pkg/unixsocket"
)

func TestIoctlRequestNumbersMatchStructSizes(t *testing.T) {
	assert.EqualValues(t, unsafe.Sizeof(seccompNotif{}), (seccompIoctlNotifRecv>>16)&0x3fff)
	assert.EqualValues(t, unsafe.Sizeof(seccompNotifResp{}), (seccompIoctlNotifSend>>16)&0x3fff)
}

func TestSendPidfdAndDrainTimeout(t *testing.T) {
	a, b, err := unixsocket.NewSocketPair()
	if err != nil {
		t.Skipf("socketpair unavailable: %v", err)
	}
	defer a.Close()
	defer b.Close()

	if err := SendPidfd(a, os.Getpid()); err != nil {
		t.Skipf("pidfd_open unavailable in this environment: %v", err)
	}

	_, _, err = b.RecvMsg(make([]byte, 1))
	assert.NoError(t, err)

	nr, ok := Drain(b, 50*time.Millisecond)
	assert.False(t, ok)
	assert.Zero(t, nr)
}
