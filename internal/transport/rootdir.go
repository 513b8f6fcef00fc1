package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// maxSymlinks matches the kernel's limit on links followed in one lookup.
const maxSymlinks = 40

// RootDirURL is a destination URL that may live under an alternate root
// directory, such as the mounted root of the crashed system.
type RootDirURL struct {
	URL
	rootDir  string
	realPath string
}

// NewRootDirURL parses raw. For local destinations the path is resolved
// inside rootDir; an empty rootDir means "/".
func NewRootDirURL(raw, rootDir string) (RootDirURL, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return RootDirURL{}, err
	}
	r := RootDirURL{URL: u, rootDir: rootDir, realPath: u.Path}
	if u.IsLocal() {
		r.realPath, err = CanonicalPath(u.Path, rootDir)
		if err != nil {
			return RootDirURL{}, fmt.Errorf("resolve %s under %q: %w", u.Path, rootDir, err)
		}
	}
	return r, nil
}

// RealPath returns the resolved local path for local destinations and the
// URL path otherwise.
func (r RootDirURL) RealPath() string { return r.realPath }

// RootDir returns the root directory the URL was resolved under.
func (r RootDirURL) RootDir() string { return r.rootDir }

// CanonicalPath resolves p as if root were "/": symbolic links are followed
// inside root, absolute link targets and ".." never leave it, and components
// that do not exist yet are kept as written. The result is prefixed with root.
func CanonicalPath(p, root string) (string, error) {
	if root == "" {
		root = "/"
	}

	var resolved []string
	pending := splitPath(p)
	links := 0

	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]

		switch c {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}

		candidate := append(resolved[:len(resolved):len(resolved)], c)
		full := filepath.Join(root, "/"+strings.Join(candidate, "/"))
		info, err := os.Lstat(full)
		if errors.Is(err, fs.ErrNotExist) {
			resolved = candidate
			continue
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = candidate
			continue
		}

		links++
		if links > maxSymlinks {
			return "", &os.PathError{Op: "canonicalize", Path: p, Err: syscall.ELOOP}
		}
		target, err := os.Readlink(full)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			resolved = nil
		}
		pending = append(splitPath(target), pending...)
	}

	return filepath.Join(root, "/"+strings.Join(resolved, "/")), nil
}

func splitPath(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}
