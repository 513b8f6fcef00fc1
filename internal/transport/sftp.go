package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
	"github.com/bamsammich/kdump-save/internal/process"
	"github.com/bamsammich/kdump-save/internal/transport/sftp"
)

// SFTPTransfer speaks SFTP to the sftp subsystem of an ssh client process.
// The session is opened and the target directory created when the strategy
// is constructed.
type SFTPTransfer struct {
	log        *slog.Logger
	proc       *process.SubProcess
	client     *sftp.Client
	host       string
	dir        string
	bufferSize int
}

func newSFTPTransfer(u RootDirURL, subdir string, opts Options, log *slog.Logger) (*SFTPTransfer, error) {
	proc := process.New()
	proc.SetPipeDirection(unix.Stdin, process.ParentToChild)
	proc.SetPipeDirection(unix.Stdout, process.ChildToParent)
	if err := proc.Spawn(opts.SSH.Program, sshArgs(opts.SSH, u.URL, "-s", "sftp")...); err != nil {
		return nil, err
	}

	t := &SFTPTransfer{
		log:        log,
		proc:       proc,
		host:       u.Host,
		dir:        path.Join(u.Path, subdir),
		bufferSize: opts.BufferSize,
	}
	if t.bufferSize <= 0 {
		t.bufferSize = DefaultBufferSize
	}

	if err := t.open(); err != nil {
		return nil, errors.Join(err, proc.Close())
	}
	return t, nil
}

func (t *SFTPTransfer) open() error {
	client, err := sftp.NewClient(t.proc.PipeFD(unix.Stdin), t.proc.PipeFD(unix.Stdout))
	if err != nil {
		return err
	}
	if err := client.Init(); err != nil {
		return fmt.Errorf("start sftp session with %s: %w", t.host, err)
	}
	if err := client.MkdirAll(t.dir); err != nil {
		return fmt.Errorf("create %s on %s: %w", t.dir, t.host, err)
	}
	t.client = client
	t.log.Debug("sftp session ready", "host", t.host, "dir", t.dir, "version", client.Version())
	return nil
}

func (t *SFTPTransfer) Perform(dp dataprovider.DataProvider, targets []string) (Result, error) {
	if len(targets) == 0 {
		return Result{}, ErrNoTargets
	}

	var res Result
	for _, name := range targets {
		target := path.Join(t.dir, name)
		m := newMeter()
		buf := make([]byte, t.bufferSize)
		err := session(dp, func() error {
			_, err := t.client.Upload(target, io.TeeReader(dataprovider.NewReader(dp), m), buf)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("upload %s to %s: %w", target, t.host, err)
		}
		t.log.Info("dump file uploaded", "host", t.host, "path", target, "bytes", m.n)
		res.add(m.file(target))
	}
	return res, nil
}

// Close ends the session and waits for ssh, which must exit cleanly.
func (t *SFTPTransfer) Close() error {
	if t.proc == nil {
		return nil
	}
	proc := t.proc
	t.proc, t.client = nil, nil

	// EOF on its stdin ends the session; the server has nothing left to send.
	_ = proc.ClosePipe(unix.Stdin)
	status, err := proc.Wait()
	if cerr := proc.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return err
	}
	return process.CheckStatus("ssh", status)
}
