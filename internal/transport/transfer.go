// Package transport delivers a dump stream to its destination: a local
// directory, an FTP server, an SFTP or SSH host, or an NFS or CIFS share.
package transport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
)

// DefaultBufferSize is the chunk size used when the destination's block size
// cannot be determined.
const DefaultBufferSize = 4096

const (
	DefaultMountDir      = "/kdump/mnt"
	DefaultSSHProgram    = "ssh"
	DefaultSSHConfigFile = "/kdump/.ssh/config"
	DefaultFTPTimeout    = 30 * time.Second
)

var (
	ErrNoDestination       = errors.New("no destination")
	ErrMixedProtocols      = errors.New("destinations mix protocols")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrNoSSHClient         = errors.New("ssh client not available")
	ErrNoTargets           = errors.New("no target file names")
)

// Transfer writes a dump to one destination.
type Transfer interface {
	// Perform streams dp into every file named in targets. Files are placed
	// round-robin across the destination URLs.
	Perform(dp dataprovider.DataProvider, targets []string) (Result, error)

	// Close releases long-lived resources such as mounts and SSH sessions.
	Close() error
}

// FileResult describes one written file.
type FileResult struct {
	Path   string
	Digest string // BLAKE3 of the streamed bytes, hex; empty for direct saves
	Bytes  int64
}

// Result reports the outcome of Perform.
type Result struct {
	Files      []FileResult
	Bytes      int64
	DirectSave bool
}

func (r *Result) add(f FileResult) {
	r.Files = append(r.Files, f)
	r.Bytes += f.Bytes
}

// Options tunes the strategies. Zero values select defaults.
type Options struct {
	Mounter    Mounter
	MountDir   string
	SSH        SSHOptions
	BufferSize int
	FTPTimeout time.Duration
	Verify     bool // re-hash files written to local and mounted destinations
}

// SSHOptions selects the ssh client used by the SFTP and SSH strategies.
type SSHOptions struct {
	Program    string
	ConfigFile string
}

func (o Options) withDefaults() Options {
	if o.MountDir == "" {
		o.MountDir = DefaultMountDir
	}
	if o.SSH.Program == "" {
		o.SSH.Program = DefaultSSHProgram
	}
	if o.SSH.ConfigFile == "" {
		o.SSH.ConfigFile = DefaultSSHConfigFile
	}
	if o.FTPTimeout == 0 {
		o.FTPTimeout = DefaultFTPTimeout
	}
	return o
}

// New selects and sets up the strategy for urls. All URLs must share one
// protocol. subdir is created below each destination path.
//
//nolint:ireturn // returns the strategy behind the Transfer interface
func New(urls []RootDirURL, subdir string, opts Options) (Transfer, error) {
	if len(urls) == 0 {
		return nil, ErrNoDestination
	}
	proto := urls[0].Protocol
	for _, u := range urls[1:] {
		if u.Protocol != proto {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedProtocols, proto, u.Protocol)
		}
	}

	opts = opts.withDefaults()
	log := slog.With("transfer", uuid.NewString(), "protocol", proto.String())
	log.Debug("selecting transfer strategy", "destinations", len(urls), "subdir", subdir)

	switch proto {
	case ProtocolLocal:
		return newLocalTransfer(localDirs(urls, subdir), opts, log), nil
	case ProtocolFTP:
		return newFTPTransfer(urls, subdir, opts, log), nil
	case ProtocolSFTP, ProtocolSSH:
		if _, err := exec.LookPath(opts.SSH.Program); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoSSHClient, err)
		}
		if len(urls) > 1 {
			log.Warn("first dump target used, rest ignored", "target", urls[0].Redacted())
		}
		if proto == ProtocolSFTP {
			return newSFTPTransfer(urls[0], subdir, opts, log)
		}
		return newSSHTransfer(urls[0], subdir, opts, log)
	case ProtocolNFS, ProtocolCIFS:
		if len(urls) > 1 {
			log.Warn("first dump target used, rest ignored", "target", urls[0].Redacted())
		}
		return newMountTransfer(urls[0], subdir, opts, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, proto)
	}
}

func localDirs(urls []RootDirURL, subdir string) []string {
	dirs := make([]string, len(urls))
	for i, u := range urls {
		dirs[i] = path.Join(u.RealPath(), subdir)
	}
	return dirs
}

// session runs fn between dp.Prepare and dp.Finish. When fn fails the
// provider is flagged before Finish so it can abandon its source.
func session(dp dataprovider.DataProvider, fn func() error) error {
	if err := dp.Prepare(); err != nil {
		dp.SetError(true)
		return fmt.Errorf("prepare dump source: %w", err)
	}
	if err := fn(); err != nil {
		dp.SetError(true)
		if ferr := dp.Finish(); ferr != nil {
			return errors.Join(err, fmt.Errorf("finish dump source: %w", ferr))
		}
		return err
	}
	if err := dp.Finish(); err != nil {
		dp.SetError(true)
		return fmt.Errorf("finish dump source: %w", err)
	}
	return nil
}

// copyChunks pulls chunks of len(buf) bytes from dp and hands each to sink
// until the end of stream.
func copyChunks(dp dataprovider.DataProvider, buf []byte, m *meter, sink func([]byte) error) error {
	for {
		n, err := dp.GetData(buf)
		if err != nil {
			return fmt.Errorf("read dump source: %w", err)
		}
		if n == 0 {
			return nil
		}
		chunk := buf[:n]
		_, _ = m.Write(chunk)
		if err := sink(chunk); err != nil {
			return err
		}
	}
}

// meter counts and hashes the bytes of one stream.
type meter struct {
	h *blake3.Hasher
	n int64
}

func newMeter() *meter { return &meter{h: blake3.New()} }

func (m *meter) Write(p []byte) (int, error) {
	_, _ = m.h.Write(p)
	m.n += int64(len(p))
	return len(p), nil
}

func (m *meter) file(p string) FileResult {
	return FileResult{Path: p, Bytes: m.n, Digest: hex.EncodeToString(m.h.Sum(nil))}
}

// placeTargets pairs each target name with the directory it is written to.
func placeTargets(dirs []string, targets []string) []string {
	paths := make([]string, len(targets))
	for i, name := range targets {
		paths[i] = path.Join(dirs[i%len(dirs)], name)
	}
	return paths
}
