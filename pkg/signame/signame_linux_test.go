package signame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestLookupKnown(t *testing.T) {
	name, ok := Lookup(int(unix.SIGSYS))
	assert.True(t, ok)
	assert.Equal(t, "SIGSYS", name)
}

func TestLookupUnknown(t *testing.T) {
	_, ok := Lookup(999)
	assert.False(t, ok)
}
