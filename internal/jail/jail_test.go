//go:build linux

package jail

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunHooksOnlyRunsMatchingPhase(t *testing.T) {
	var ran []string
	hooks := []Hook{
		{Name: "a", Phase: PreDropCaps, Run: func() error { ran = append(ran, "a"); return nil }},
		{Name: "b", Phase: PreExecve, Run: func() error { ran = append(ran, "b"); return nil }},
		{Name: "c", Phase: PreDropCaps, Run: func() error { ran = append(ran, "c"); return nil }},
	}

	assert.NoError(t, runHooks(hooks, PreDropCaps))
	assert.Equal(t, []string{"a", "c"}, ran)

	ran = nil
	assert.NoError(t, runHooks(hooks, PreExecve))
	assert.Equal(t, []string{"b"}, ran)
}

func TestRunHooksStopsOnFirstError(t *testing.T) {
	var ran []string
	hooks := []Hook{
		{Name: "a", Phase: PreDropCaps, Run: func() error { ran = append(ran, "a"); return assert.AnError }},
		{Name: "b", Phase: PreDropCaps, Run: func() error { ran = append(ran, "b"); return nil }},
	}

	err := runHooks(hooks, PreDropCaps)
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, ran)
}

func TestIsReexecEntry(t *testing.T) {
	orig := os.Args
	defer func() { os.Args = orig }()

	os.Args = []string{"omegajail-run"}
	assert.False(t, IsReexecEntry())

	os.Args = []string{"omegajail-run", reexecMarker, "extra"}
	assert.True(t, IsReexecEntry())
}
