package syscallname

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupUnknownReturnsFalse(t *testing.T) {
	_, ok := Lookup(-1)
	assert.False(t, ok)
}

func TestLookupKnownSyscallWhenArchInfoAvailable(t *testing.T) {
	if errInfo != nil {
		t.Skip("arch info unavailable on this build")
	}
	name, ok := Lookup(0)
	assert.True(t, ok)
	assert.NotEmpty(t, name)
}
