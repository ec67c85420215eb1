//go:build linux

package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_AcquireWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miniftp.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999999"), 0o644))

	g := NewPIDFile(path)
	ok, err := g.Acquire()
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = g.Release() })

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(got), "stale content truncated")

	ok, err = g.Acquire()
	require.NoError(t, err)
	assert.True(t, ok, "re-acquire by the holder is a no-op")
}

func TestPIDFile_SecondHolderRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miniftp.pid")

	first := NewPIDFile(path)
	ok, err := first.Acquire()
	require.NoError(t, err)
	require.True(t, ok)

	// flock locks belong to the open file description, so a second open
	// in the same process contends like another process would.
	second := NewPIDFile(path)
	ok, err = second.Acquire()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	ok, err = second.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release())
}

func TestPIDFile_OpenFailure(t *testing.T) {
	g := NewPIDFile(filepath.Join(t.TempDir(), "missing", "miniftp.pid"))
	ok, err := g.Acquire()
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestPIDFile_DefaultPath(t *testing.T) {
	assert.Equal(t, DefaultPIDFile, NewPIDFile("").Path())
}
