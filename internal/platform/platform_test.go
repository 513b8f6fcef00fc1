//go:build linux

package platform_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kdump-save/internal/platform"
)

func TestBlockSize(t *testing.T) {
	t.Parallel()

	bs, err := platform.BlockSize(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, bs)

	_, err = platform.BlockSize(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDataSegments_NonSparse(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "regular")
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 'A'
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	segments, err := platform.DataSegments(f, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), platform.DataBytes(segments))
}

func TestDataSegments_Sparse(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sparse")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	// 1 MB hole, then 4 KB of data.
	size := int64(1024*1024 + 4096)
	require.NoError(t, f.Truncate(size))
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 'B'
	}
	_, err = f.WriteAt(data, 1024*1024)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	segments, err := platform.DataSegments(f, size)
	require.NoError(t, err)

	var total int64
	for _, s := range segments {
		total += s.Length
	}
	assert.Equal(t, size, total, "segments cover the file")

	// Filesystems without hole support report everything as data.
	if len(segments) > 1 {
		assert.False(t, segments[0].IsData)
		assert.Less(t, platform.DataBytes(segments), size)
	}
}

func TestDataSegments_Empty(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "empty"))
	require.NoError(t, err)
	defer f.Close()

	segments, err := platform.DataSegments(f, 0)
	require.NoError(t, err)
	assert.Empty(t, segments)
}
