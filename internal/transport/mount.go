package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
	"github.com/bamsammich/kdump-save/internal/platform"
	"github.com/bamsammich/kdump-save/internal/process"
)

// Mounter attaches a network share to a local directory. Mount returns the
// path below mountpoint that corresponds to the URL's path.
type Mounter interface {
	Mount(u URL, mountpoint string) (prefix string, err error)
	Unmount(mountpoint string) error
}

// NFSMounter mounts with the system mount(8) helper, which knows how to talk
// to the NFS server.
type NFSMounter struct{}

func (NFSMounter) Mount(u URL, mountpoint string) (string, error) {
	opts := "nolock"
	if u.Port != 0 {
		opts += ",port=" + strconv.Itoa(u.Port)
	}
	source := u.Host
	if strings.Contains(source, ":") {
		source = "[" + source + "]"
	}
	source += ":" + u.Path

	if _, err := process.Run("mount", "-t", "nfs", "-o", opts, source, mountpoint); err != nil {
		return "", fmt.Errorf("mount %s: %w", source, err)
	}
	return "", nil
}

func (NFSMounter) Unmount(mountpoint string) error { return platform.Unmount(mountpoint) }

// CIFSMounter mounts with mount(2); the first path component is the share.
type CIFSMounter struct{}

func (CIFSMounter) Mount(u URL, mountpoint string) (string, error) {
	share, prefix := splitShare(u.Path)
	if share == "" {
		return "", &ParseError{URL: u.Redacted(), Reason: "missing CIFS share name"}
	}
	source := "//" + u.Host + "/" + share

	opts := []string{"port=" + strconv.Itoa(u.PortOrDefault())}
	if u.Username != "" {
		opts = append(opts, "user="+u.Username)
	}
	if u.Password != "" {
		opts = append(opts, "password="+u.Password)
	}
	if err := platform.Mount(source, mountpoint, "cifs", 0, strings.Join(opts, ",")); err != nil {
		return "", err
	}
	return prefix, nil
}

func (CIFSMounter) Unmount(mountpoint string) error { return platform.Unmount(mountpoint) }

// splitShare splits /share/dir/sub into "share" and "dir/sub".
func splitShare(p string) (share, rest string) {
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	share, rest, _ = strings.Cut(p, "/")
	return share, rest
}

func defaultMounter(p Protocol) Mounter {
	if p == ProtocolCIFS {
		return CIFSMounter{}
	}
	return NFSMounter{}
}

// MountTransfer mounts a network share and writes into it through a
// LocalTransfer. The share stays mounted until Close.
type MountTransfer struct {
	*LocalTransfer
	mounter    Mounter
	log        *slog.Logger
	mountpoint string
}

func newMountTransfer(u RootDirURL, subdir string, opts Options, log *slog.Logger) (*MountTransfer, error) {
	mounter := opts.Mounter
	if mounter == nil {
		mounter = defaultMounter(u.Protocol)
	}
	if err := os.MkdirAll(opts.MountDir, 0o755); err != nil {
		return nil, fmt.Errorf("create mountpoint: %w", err)
	}

	prefix, err := mounter.Mount(u.URL, opts.MountDir)
	if err != nil {
		return nil, err
	}
	log.Info("mounted dump target", "target", u.Redacted(), "mountpoint", opts.MountDir)

	dir := path.Join(opts.MountDir, prefix, subdir)
	return &MountTransfer{
		LocalTransfer: newLocalTransfer([]string{dir}, opts, log),
		mounter:       mounter,
		log:           log,
		mountpoint:    opts.MountDir,
	}, nil
}

// Perform delegates to the local strategy over the mounted directory.
func (t *MountTransfer) Perform(dp dataprovider.DataProvider, targets []string) (Result, error) {
	return t.LocalTransfer.Perform(dp, targets)
}

// unmountRetryDelay is how long Close waits before retrying a busy unmount.
const unmountRetryDelay = 200 * time.Millisecond

// Close unmounts the share, retrying once if it is still busy. After a
// successful unmount further calls do nothing.
func (t *MountTransfer) Close() error {
	if t.mountpoint == "" {
		return nil
	}
	err := t.mounter.Unmount(t.mountpoint)
	if errors.Is(err, unix.EBUSY) {
		t.log.Debug("dump target busy, retrying unmount", "mountpoint", t.mountpoint)
		time.Sleep(unmountRetryDelay)
		err = t.mounter.Unmount(t.mountpoint)
	}
	if err != nil {
		return err
	}
	t.log.Debug("unmounted dump target", "mountpoint", t.mountpoint)
	t.mountpoint = ""
	return nil
}
