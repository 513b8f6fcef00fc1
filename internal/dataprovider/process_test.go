//go:build unix

package dataprovider_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
	"github.com/bamsammich/kdump-save/internal/process"
)

func TestProcess_Stream(t *testing.T) {
	t.Parallel()

	dp := dataprovider.NewProcess("printf 'dump data'; head -c 100000 /dev/zero")
	require.NoError(t, dp.Prepare())
	got := drain(t, dp, 4096)
	require.NoError(t, dp.Finish())

	assert.Len(t, got, 9+100000)
	assert.Equal(t, "dump data", string(got[:9]))
}

func TestProcess_FailingCommand(t *testing.T) {
	t.Parallel()

	dp := dataprovider.NewProcess("echo partial; exit 4")
	require.NoError(t, dp.Prepare())
	drain(t, dp, 4096)

	err := dp.Finish()
	var exitErr *process.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.Status)
}

func TestProcess_AbandonedAfterError(t *testing.T) {
	t.Parallel()

	// The command never ends on its own; a failed transfer must not wait for it.
	dp := dataprovider.NewProcess("while :; do echo data; done")
	require.NoError(t, dp.Prepare())
	_, err := dp.GetData(make([]byte, 16))
	require.NoError(t, err)

	dp.SetError(true)
	require.NoError(t, dp.Finish())
}

func TestProcess_SaveDirectly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	targets := []string{filepath.Join(dir, "part one"), filepath.Join(dir, "part-two")}

	dp := dataprovider.NewProcess("false")
	assert.False(t, dp.CanSaveDirectly())

	// Targets are appended as words; the inner shell sees them as "$@".
	dp.SetDirectCommand(`sh -c 'for f in "$@"; do echo saved > "$f"; done' direct`)
	require.True(t, dp.CanSaveDirectly())
	require.NoError(t, dp.SaveDirectly(targets))

	for _, target := range targets {
		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "saved\n", string(data))
	}
}

func TestProcess_SaveDirectlyFailure(t *testing.T) {
	t.Parallel()

	dp := dataprovider.NewProcess("true")
	dp.SetDirectCommand("exit 7;")
	err := dp.SaveDirectly([]string{"/nonexistent"})
	var exitErr *process.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 7, exitErr.Status)
}
