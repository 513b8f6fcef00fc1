package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
	"github.com/bamsammich/kdump-save/internal/process"
)

// sshArgs builds the ssh client command line for u followed by the remote
// command words.
func sshArgs(opts SSHOptions, u URL, remote ...string) []string {
	args := []string{"-F", opts.ConfigFile, "-l", u.Username}
	if u.Port != 0 {
		args = append(args, "-p", strconv.Itoa(u.Port))
	}
	args = append(args, u.Host)
	return append(args, remote...)
}

// SSHTransfer pipes dumps into dd on the remote host. Each file is written
// under a temporary name and renamed once complete, so a partial dump never
// appears under its final name.
type SSHTransfer struct {
	log        *slog.Logger
	opts       SSHOptions
	url        URL
	dir        string
	bufferSize int
}

func newSSHTransfer(u RootDirURL, subdir string, opts Options, log *slog.Logger) (*SSHTransfer, error) {
	dir := path.Join(u.Path, subdir)
	args := sshArgs(opts.SSH, u.URL, "mkdir -p "+process.ShellQuote(dir))
	if _, err := process.Run(opts.SSH.Program, args...); err != nil {
		return nil, fmt.Errorf("create %s on %s: %w", dir, u.Host, err)
	}

	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &SSHTransfer{log: log, opts: opts.SSH, url: u.URL, dir: dir, bufferSize: size}, nil
}

func (t *SSHTransfer) Perform(dp dataprovider.DataProvider, targets []string) (Result, error) {
	if len(targets) == 0 {
		return Result{}, ErrNoTargets
	}

	var res Result
	for _, name := range targets {
		fr, err := t.send(dp, path.Join(t.dir, name))
		if err != nil {
			return res, err
		}
		res.add(fr)
	}
	return res, nil
}

func (t *SSHTransfer) send(dp dataprovider.DataProvider, target string) (FileResult, error) {
	tmp := process.ShellQuote(target + "-incomplete")
	remote := fmt.Sprintf("dd of=%s && mv %s %s", tmp, tmp, process.ShellQuote(target))

	proc := process.New()
	proc.SetPipeDirection(unix.Stdin, process.ParentToChild)
	if err := proc.Spawn(t.opts.Program, sshArgs(t.opts, t.url, remote)...); err != nil {
		return FileResult{}, err
	}
	stdin := proc.PipeFD(unix.Stdin)

	m := newMeter()
	buf := make([]byte, t.bufferSize)
	err := session(dp, func() error {
		return copyChunks(dp, buf, m, func(chunk []byte) error {
			if _, err := stdin.Write(chunk); err != nil {
				return fmt.Errorf("write to ssh: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return FileResult{}, errors.Join(err, proc.Close())
	}

	if err := proc.ClosePipe(unix.Stdin); err != nil {
		return FileResult{}, errors.Join(err, proc.Close())
	}
	status, err := proc.Wait()
	if cerr := proc.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return FileResult{}, err
	}
	if err := process.CheckStatus("ssh", status); err != nil {
		return FileResult{}, fmt.Errorf("save %s on %s: %w", target, t.url.Host, err)
	}

	t.log.Info("dump file sent", "host", t.url.Host, "path", target, "bytes", m.n)
	return m.file(target), nil
}

// Close is a no-op; each file uses its own ssh process.
func (*SSHTransfer) Close() error { return nil }
