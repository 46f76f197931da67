package metainit

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/omegaup/omegajail-go/pkg/exitcause"
)

func TestIsChildEntry(t *testing.T) {
	old := os.Args
	defer func() { os.Args = old }()

	os.Args = []string{"omegajail-run"}
	assert.False(t, IsChildEntry())

	os.Args = []string{"omegajail-run", childMarker, "--bin", "/bin/true"}
	assert.True(t, IsChildEntry())
}

func TestExitStatusForDominance(t *testing.T) {
	syscallCause := exitcause.New()
	syscallCause.RecordSyscall(3)
	assert.Equal(t, int(unix.SIGSYS), exitStatusFor(syscallCause))

	signalCause := exitcause.New()
	signalCause.RecordSignal(int(unix.SIGXCPU))
	assert.Equal(t, int(unix.SIGXCPU), exitStatusFor(signalCause))

	statusCause := exitcause.New()
	statusCause.RecordExit(unix.WaitStatus(0), unix.Rusage{})
	assert.Equal(t, 0, exitStatusFor(statusCause))

	assert.Equal(t, 1, exitStatusFor(exitcause.New()))
}

func TestEmitMetaWritesWallTimeAndReconciledMemory(t *testing.T) {
	cause := exitcause.New()
	cause.RecordExit(unix.WaitStatus(0), unix.Rusage{Maxrss: 2048})

	var buf bytes.Buffer
	open := func() (*os.File, error) {
		f, err := os.CreateTemp(t.TempDir(), "meta")
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { os.Remove(f.Name()) })
		return f, nil
	}
	f, err := open()
	assert.NoError(t, err)
	defer f.Close()

	err = emitMeta(func() (*os.File, error) { return f, nil }, cause, 1500, 1024)
	assert.NoError(t, err)

	contents, err := os.ReadFile(f.Name())
	assert.NoError(t, err)
	buf.Write(contents)
	assert.Contains(t, buf.String(), "time-wall:1500\n")
	assert.Contains(t, buf.String(), "mem:2096128\n") // 2048 KiB * 1024 - 1024 bytes overhead
	assert.Contains(t, buf.String(), "status:0\n")
}
