//go:build linux

package rlimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParse(t *testing.T) {
	rl, err := Parse("fsize=65536")
	require.NoError(t, err)
	assert.Equal(t, "fsize", rl.Name)
	assert.Equal(t, unix.RLIMIT_FSIZE, rl.Res)
	assert.EqualValues(t, 65536, rl.Rlim.Cur)
	assert.EqualValues(t, 65536, rl.Rlim.Max)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("fsize")
	assert.Error(t, err)
}

func TestParseRejectsUnknownName(t *testing.T) {
	_, err := Parse("bogus=1")
	assert.Error(t, err)
}

func TestParseRejectsNonNumericValue(t *testing.T) {
	_, err := Parse("cpu=forever")
	assert.Error(t, err)
}

func TestParseAllPreservesOrder(t *testing.T) {
	rls, err := ParseAll([]string{"cpu=1", "as=1048576"})
	require.NoError(t, err)
	require.Len(t, rls, 2)
	assert.Equal(t, "cpu", rls[0].Name)
	assert.Equal(t, "as", rls[1].Name)
}

func TestString(t *testing.T) {
	rl, err := Parse("stack=4096")
	require.NoError(t, err)
	assert.Equal(t, "stack[4096:4096]", rl.String())
}
