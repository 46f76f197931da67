//go:build linux

package stdio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamString(t *testing.T) {
	assert.Equal(t, "stdin", Stdin.String())
	assert.Equal(t, "stdout", Stdout.String())
	assert.Equal(t, "stderr", Stderr.String())
}

func TestOpenRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	f, err := Open(Redirection{Stream: Stdout, Path: path})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("hello")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestPlanSkipsEmptyPaths(t *testing.T) {
	plan, err := Plan([]Redirection{{Stream: Stdin, Path: ""}})
	require.NoError(t, err)
	defer plan.Close()
	assert.Empty(t, plan.entries)
}

func TestPlanOpensHostFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	plan, err := Plan([]Redirection{{Stream: Stdin, Path: path}})
	require.NoError(t, err)
	defer plan.Close()
	require.Len(t, plan.entries, 1)
	assert.NotNil(t, plan.entries[0].host)
}
