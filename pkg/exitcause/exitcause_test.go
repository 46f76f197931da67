package exitcause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestDominantNone(t *testing.T) {
	c := New()
	assert.Equal(t, KindNone, c.Dominant())
}

func TestSyscallDominatesSignalAndStatus(t *testing.T) {
	c := New()
	c.RecordExit(unix.WaitStatus(0), unix.Rusage{})
	c.RecordSignal(int(unix.SIGXCPU))
	c.RecordSyscall(165) // mount(2) on amd64
	assert.Equal(t, KindSyscall, c.Dominant())
}

func TestFirstSignalWins(t *testing.T) {
	c := New()
	c.RecordSignal(int(unix.SIGXFSZ))
	c.ApplyDeadline(int(unix.SIGXCPU))
	assert.Equal(t, KindSignal, c.Dominant())
	assert.Equal(t, int(unix.SIGXFSZ), c.ExitSignal)
}

func TestDeadlineOnlyWinsWhenNoPriorSignal(t *testing.T) {
	c := New()
	c.ApplyDeadline(int(unix.SIGXCPU))
	assert.Equal(t, KindSignal, c.Dominant())
	assert.Equal(t, int(unix.SIGXCPU), c.ExitSignal)
}

func TestNormalExitStatus(t *testing.T) {
	c := New()
	c.Exited = true
	c.ExitStatus = 7
	assert.Equal(t, KindStatus, c.Dominant())
	assert.Equal(t, 7, c.ExitStatus)
}

func TestMaxRSSBytesClampsToZero(t *testing.T) {
	assert.EqualValues(t, 0, MaxRSSBytes(10, 20*1024))
	assert.EqualValues(t, 10*1024-5, MaxRSSBytes(10, 5))
}

func TestReconcileMemoryV1(t *testing.T) {
	assert.EqualValues(t, 100, ReconcileMemoryV1(100, 0, 64<<20))
	assert.EqualValues(t, (64<<20)/1024, ReconcileMemoryV1(100, 3, 64<<20))
}
