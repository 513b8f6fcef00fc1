package transport_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kdump-save/internal/transport"
)

func newLocal(t *testing.T, subdir string, opts transport.Options, dirs ...string) transport.Transfer {
	t.Helper()
	urls := make([]transport.RootDirURL, len(dirs))
	for i, d := range dirs {
		u, err := transport.NewRootDirURL("file://"+d, "")
		require.NoError(t, err)
		urls[i] = u
	}
	tr, err := transport.New(urls, subdir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestLocalTransfer_EndToEnd(t *testing.T) {
	t.Parallel()

	dumpdir := filepath.Join(t.TempDir(), "dumpdir")
	tr := newLocal(t, "2024-01-01", transport.Options{}, dumpdir)
	dp := newRecordingProvider([]byte("abcdef"))

	res, err := tr.Perform(dp, []string{"vmcore"})
	require.NoError(t, err)
	assert.False(t, res.DirectSave)

	target := filepath.Join(dumpdir, "2024-01-01", "vmcore")
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))

	assert.Equal(t, 1, dp.prepares)
	assert.Equal(t, 1, dp.finishes)
	assert.False(t, dp.Failed())

	require.Len(t, res.Files, 1)
	assert.Equal(t, target, res.Files[0].Path)
	assert.Equal(t, int64(6), res.Bytes)
	digest, err := transport.HashFile(target)
	require.NoError(t, err)
	assert.Equal(t, digest, res.Files[0].Digest)
}

func TestLocalTransfer_Sparse(t *testing.T) {
	t.Parallel()

	const chunk = 4096
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "zero chunks then tail",
			data: append(make([]byte, 3*chunk), []byte("tail")...),
		},
		{
			name: "stream ends in a hole",
			data: append(bytes.Repeat([]byte{0xAB}, chunk), make([]byte, 2*chunk)...),
		},
		{
			name: "short zero tail is written",
			data: append(bytes.Repeat([]byte{1}, chunk), make([]byte, 100)...),
		},
		{
			name: "only zeros",
			data: make([]byte, 4*chunk),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			tr := newLocal(t, "", transport.Options{BufferSize: chunk}, dir)

			res, err := tr.Perform(newRecordingProvider(tt.data), []string{"vmcore"})
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.data)), res.Bytes)

			got, err := os.ReadFile(filepath.Join(dir, "vmcore"))
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), len(got))
			assert.True(t, bytes.Equal(tt.data, got), "content differs")
		})
	}
}

func TestLocalTransfer_DirectSave(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := newLocal(t, "sub", transport.Options{}, dir)
	dp := newRecordingProvider([]byte("unused"))
	dp.canDirect = true

	res, err := tr.Perform(dp, []string{"vmcore", "vmcore.1"})
	require.NoError(t, err)
	assert.True(t, res.DirectSave)
	assert.Zero(t, dp.prepares)
	assert.Zero(t, dp.reads)
	assert.Zero(t, dp.finishes)

	want := []string{filepath.Join(dir, "sub", "vmcore"), filepath.Join(dir, "sub", "vmcore.1")}
	require.Len(t, dp.direct, 1)
	assert.Equal(t, want, dp.direct[0])
	assert.DirExists(t, filepath.Join(dir, "sub"))
	for _, f := range res.Files {
		assert.Empty(t, f.Digest)
	}
}

func TestLocalTransfer_RoundRobin(t *testing.T) {
	t.Parallel()

	first, second := t.TempDir(), t.TempDir()
	tr := newLocal(t, "2024-01-01", transport.Options{}, first, second)
	dp := newRecordingProvider([]byte("dump"))

	res, err := tr.Perform(dp, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, res.Files, 3)

	assert.FileExists(t, filepath.Join(first, "2024-01-01", "a"))
	assert.FileExists(t, filepath.Join(second, "2024-01-01", "b"))
	assert.FileExists(t, filepath.Join(first, "2024-01-01", "c"))
	assert.NoFileExists(t, filepath.Join(second, "2024-01-01", "a"))

	// Every file receives the whole stream.
	for _, f := range res.Files {
		data, err := os.ReadFile(f.Path)
		require.NoError(t, err)
		assert.Equal(t, "dump", string(data))
	}
	assert.Equal(t, 3, dp.finishes)
	assert.Equal(t, int64(12), res.Bytes)
}

func TestLocalTransfer_SourceFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := newLocal(t, "", transport.Options{BufferSize: 2}, dir)
	dp := newRecordingProvider([]byte("abcdef"))
	dp.failAt = 2

	_, err := tr.Perform(dp, []string{"vmcore"})
	require.ErrorIs(t, err, errSourceBroken)
	assert.Equal(t, 1, dp.finishes, "finish runs once after a failure")
	assert.True(t, dp.Failed())
}

func TestLocalTransfer_UnwritableTarget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A directory where the dump file should go.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "vmcore"), 0o755))
	tr := newLocal(t, "", transport.Options{}, dir)
	dp := newRecordingProvider([]byte("abc"))

	_, err := tr.Perform(dp, []string{"vmcore"})
	require.Error(t, err)
	assert.Zero(t, dp.prepares)
}

func TestLocalTransfer_Verify(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := newLocal(t, "", transport.Options{Verify: true, BufferSize: 4096}, dir)
	data := append(make([]byte, 8192), []byte("verified")...)

	res, err := tr.Perform(newRecordingProvider(data), []string{"vmcore"})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
}

func TestLocalTransfer_NoTargets(t *testing.T) {
	t.Parallel()

	tr := newLocal(t, "", transport.Options{}, t.TempDir())
	_, err := tr.Perform(newRecordingProvider(nil), nil)
	assert.ErrorIs(t, err, transport.ErrNoTargets)
}
