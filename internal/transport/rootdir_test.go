package transport_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kdump-save/internal/transport"
)

func TestCanonicalPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "var", "crash"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "srv", "dumps"), 0o755))
	// Absolute link: must resolve inside root, not on the host.
	require.NoError(t, os.Symlink("/srv/dumps", filepath.Join(root, "var", "abs")))
	// Relative link.
	require.NoError(t, os.Symlink("../srv", filepath.Join(root, "var", "rel")))

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "plain", path: "/var/crash", want: "/var/crash"},
		{name: "absolute symlink", path: "/var/abs", want: "/srv/dumps"},
		{name: "relative symlink", path: "/var/rel/dumps", want: "/srv/dumps"},
		{name: "missing tail kept", path: "/var/abs/new/dir", want: "/srv/dumps/new/dir"},
		{name: "dotdot cannot escape", path: "/../../var/./crash", want: "/var/crash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := transport.CanonicalPath(tt.path, root)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(root, tt.want), got)
		})
	}
}

func TestCanonicalPath_Loop(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.Symlink("b", filepath.Join(root, "a")))
	require.NoError(t, os.Symlink("a", filepath.Join(root, "b")))

	_, err := transport.CanonicalPath("/a/x", root)
	assert.ErrorIs(t, err, syscall.ELOOP)
}

func TestNewRootDirURL(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "real"), 0o755))
	require.NoError(t, os.Symlink("/real", filepath.Join(root, "crash")))

	u, err := transport.NewRootDirURL("file:///crash", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "real"), u.RealPath())
	assert.Equal(t, root, u.RootDir())
	assert.Equal(t, "/crash", u.Path)

	remote, err := transport.NewRootDirURL("ftp://host/crash", root)
	require.NoError(t, err)
	assert.Equal(t, "/crash", remote.RealPath(), "remote paths are not resolved locally")

	_, err = transport.NewRootDirURL("file://nas/crash", root)
	assert.Error(t, err)
}
