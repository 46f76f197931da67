//go:build linux

package cgroup

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	assert.Equal(t, "v1", TypeV1.String())
	assert.Equal(t, "v2", TypeV2.String())
	assert.Equal(t, "invalid", Type(0).String())
}

func TestCreateAdmitSealRelease(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("no root privilege")
	}

	spec := Spec{
		ScriptBasename: "cgroup_linux_test",
		Invocation:     "run-0",
		MemoryLimit:    64 << 20,
	}
	h, err := Create(spec)
	require.NoError(t, err)
	defer h.Release()

	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())
	require.NoError(t, h.Admit(cmd.Process.Pid))
	require.NoError(t, cmd.Wait())

	require.NoError(t, h.Seal())

	if h.Type() == TypeV1 {
		failcnt, err := h.ReadFailcnt()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, failcnt, uint64(0))
	}
}
