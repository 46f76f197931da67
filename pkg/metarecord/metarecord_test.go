package metarecord

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omegaup/omegajail-go/pkg/exitcause"
)

func TestWriteParseStatusRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	timing := Timing{UserTimeUsec: 1000, SysTimeUsec: 200, WallTimeUsec: 5000, MemoryBytes: 4096}
	verdict := Verdict{Kind: exitcause.KindStatus, Status: 7}

	require.NoError(t, Write(&buf, timing, verdict))

	rec, err := Parse(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, timing, rec.Timing)
	assert.Equal(t, exitcause.KindStatus, rec.Verdict.Kind)
	assert.Equal(t, 7, rec.Verdict.Status)
}

func TestWriteParseSigsysNamed(t *testing.T) {
	var buf bytes.Buffer
	verdict := Verdict{Kind: exitcause.KindSyscall, SyscallName: "mount"}
	require.NoError(t, Write(&buf, Timing{}, verdict))

	assert.Equal(t, "time:0\ntime-sys:0\ntime-wall:0\nmem:0\nsignal:SIGSYS\nsyscall:mount\n", buf.String())

	rec, err := Parse(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, exitcause.KindSyscall, rec.Verdict.Kind)
	assert.Equal(t, "mount", rec.Verdict.SyscallName)
}

func TestWriteParseSigsysUnnamed(t *testing.T) {
	var buf bytes.Buffer
	verdict := Verdict{Kind: exitcause.KindSyscall, SyscallNr: 9999}
	require.NoError(t, Write(&buf, Timing{}, verdict))

	rec, err := Parse(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, 9999, rec.Verdict.SyscallNr)
	assert.Empty(t, rec.Verdict.SyscallName)
}

func TestWriteParseSignalUnnamed(t *testing.T) {
	var buf bytes.Buffer
	verdict := Verdict{Kind: exitcause.KindSignal, SignalNr: 42}
	require.NoError(t, Write(&buf, Timing{}, verdict))
	assert.Contains(t, buf.String(), "signal_number:42\n")

	rec, err := Parse(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, 42, rec.Verdict.SignalNr)
}

func TestParseRejectsTrailingLineAfterStatus(t *testing.T) {
	_, err := Parse(strings.NewReader("time:0\ntime-sys:0\ntime-wall:0\nmem:0\nstatus:0\nextra:1\n"))
	assert.Error(t, err)
}

func TestParseRejectsBadKeyOrder(t *testing.T) {
	_, err := Parse(strings.NewReader("mem:0\ntime:0\ntime-sys:0\ntime-wall:0\nstatus:0\n"))
	assert.Error(t, err)
}

func TestVerdictFromCauseSyscallNameLookup(t *testing.T) {
	c := exitcause.New()
	c.RecordSyscall(165)
	v := VerdictFromCause(c, func(nr int) (string, bool) {
		if nr == 165 {
			return "mount", true
		}
		return "", false
	})
	assert.Equal(t, exitcause.KindSyscall, v.Kind)
	assert.Equal(t, "mount", v.SyscallName)
}
