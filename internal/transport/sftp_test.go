package transport_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pkgsftp "github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kdump-save/internal/transport"
)

func TestMain(m *testing.M) {
	if os.Getenv(sftpServerEnv) == "1" {
		os.Exit(serveSFTP())
	}
	os.Exit(m.Run())
}

// serveSFTP runs an SFTP server on stdin and stdout for fakeSSH.
func serveSFTP() int {
	srv, err := pkgsftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{os.Stdin, os.Stdout})
	if err != nil {
		return 1
	}
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		return 1
	}
	return 0
}

func newSFTP(t *testing.T, root, subdir string) transport.Transfer {
	t.Helper()
	program, _ := fakeSSH(t)
	tr, err := transport.New(
		[]transport.RootDirURL{mustRootDirURL(t, "sftp://kdump@dumphost"+root)},
		subdir,
		transport.Options{SSH: transport.SSHOptions{Program: program, ConfigFile: "/dev/null"}, BufferSize: 3000},
	)
	require.NoError(t, err)
	return tr
}

func TestSFTPTransfer_Upload(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tr := newSFTP(t, root, "2024-01-01/host")
	assert.DirExists(t, filepath.Join(root, "2024-01-01", "host"))

	data := []byte(strings.Repeat("vmcore page ", 10000))
	dp := newRecordingProvider(data)
	res, err := tr.Perform(dp, []string{"vmcore", "vmcore.copy"})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	for _, name := range []string{"vmcore", "vmcore.copy"} {
		got, err := os.ReadFile(filepath.Join(root, "2024-01-01", "host", name))
		require.NoError(t, err)
		assert.Equal(t, data, got, name)
	}
	require.Len(t, res.Files, 2)
	assert.Equal(t, int64(2*len(data)), res.Bytes)
	assert.Equal(t, res.Files[0].Digest, res.Files[1].Digest)
	assert.Equal(t, 2, dp.prepares)
	assert.Equal(t, 2, dp.finishes)
}

func TestSFTPTransfer_SourceFailureKeepsSession(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tr := newSFTP(t, root, "")

	broken := newRecordingProvider([]byte(strings.Repeat("x", 10000)))
	broken.failAt = 2
	_, err := tr.Perform(broken, []string{"vmcore"})
	require.ErrorIs(t, err, errSourceBroken)
	assert.True(t, broken.Failed())
	assert.Equal(t, 1, broken.finishes)

	_, err = tr.Perform(newRecordingProvider([]byte("retry")), []string{"vmcore"})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	got, err := os.ReadFile(filepath.Join(root, "vmcore"))
	require.NoError(t, err)
	assert.Equal(t, "retry", string(got))
}

func TestSFTPTransfer_CloseTwice(t *testing.T) {
	t.Parallel()

	tr := newSFTP(t, t.TempDir(), "")
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestSFTPTransfer_SSHFails(t *testing.T) {
	t.Parallel()

	program := filepath.Join(t.TempDir(), "ssh")
	require.NoError(t, os.WriteFile(program, []byte("#!/bin/sh\nexit 255\n"), 0o755)) //nolint:gosec // test helper must be executable

	_, err := transport.New(
		[]transport.RootDirURL{mustRootDirURL(t, "sftp://kdump@dumphost/dumps")},
		"",
		transport.Options{SSH: transport.SSHOptions{Program: program, ConfigFile: "/dev/null"}},
	)
	require.Error(t, err)
}
