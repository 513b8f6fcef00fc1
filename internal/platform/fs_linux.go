//go:build linux

package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BlockSize returns the preferred I/O block size of the filesystem holding
// path.
func BlockSize(path string) (int, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, &os.PathError{Op: "statfs", Path: path, Err: err}
	}
	if st.Bsize <= 0 {
		return 0, fmt.Errorf("statfs %s: invalid block size %d", path, st.Bsize)
	}
	return int(st.Bsize), nil
}

// Mount attaches source to target. data carries filesystem-specific options.
func Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s (%s): %w", source, target, fstype, err)
	}
	return nil
}

// Unmount detaches the filesystem mounted at target.
func Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return &os.PathError{Op: "umount", Path: target, Err: err}
	}
	return nil
}
