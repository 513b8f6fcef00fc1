package dataprovider_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
)

// drain pulls chunks until the provider reports the end of stream.
func drain(t *testing.T, dp dataprovider.DataProvider, chunk int) []byte {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, chunk)
	for {
		n, err := dp.GetData(buf)
		require.NoError(t, err)
		if n == 0 {
			return out.Bytes()
		}
		out.Write(buf[:n])
	}
}

func TestBuffer(t *testing.T) {
	t.Parallel()

	dp := dataprovider.NewBuffer([]byte("abcdef"))
	_, err := dp.GetData(make([]byte, 4))
	require.ErrorIs(t, err, dataprovider.ErrNotPrepared)

	require.NoError(t, dp.Prepare())
	assert.Equal(t, "abcdef", string(drain(t, dp, 4)))

	_, err = dp.GetData(make([]byte, 4))
	require.ErrorIs(t, err, dataprovider.ErrExhausted, "end of stream is reported once")
	require.NoError(t, dp.Finish())

	assert.False(t, dp.CanSaveDirectly())
	assert.ErrorIs(t, dp.SaveDirectly([]string{"/tmp/x"}), dataprovider.ErrNoDirectSave)
}

func TestFile(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789"), 1000)
	path := filepath.Join(t.TempDir(), "vmcore")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	dp := dataprovider.NewFile(path)
	require.NoError(t, dp.Prepare())
	assert.Equal(t, data, drain(t, dp, 4096))

	done, total := dp.Progress()
	assert.Equal(t, int64(len(data)), done)
	assert.Equal(t, int64(len(data)), total)
	require.NoError(t, dp.Finish())
	require.NoError(t, dp.Finish())
}

func TestFile_Missing(t *testing.T) {
	t.Parallel()

	dp := dataprovider.NewFile(filepath.Join(t.TempDir(), "missing"))
	err := dp.Prepare()
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, dp.Finish())
}

func TestReader(t *testing.T) {
	t.Parallel()

	dp := dataprovider.NewBuffer(bytes.Repeat([]byte("x"), 10000))
	require.NoError(t, dp.Prepare())

	got, err := io.ReadAll(dataprovider.NewReader(dp))
	require.NoError(t, err)
	assert.Len(t, got, 10000)
}

func TestSetError(t *testing.T) {
	t.Parallel()

	dp := dataprovider.NewBuffer(nil)
	assert.False(t, dp.Failed())
	dp.SetError(true)
	assert.True(t, dp.Failed())
}
