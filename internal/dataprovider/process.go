//go:build unix

package dataprovider

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/kdump-save/internal/process"
)

// Process streams the standard output of a shell command, for example a
// makedumpfile invocation writing a filtered dump to stdout.
//
// When a direct command is set, the provider can also save directly: the
// direct command is run with the quoted target paths appended and is
// expected to write those files itself.
type Process struct {
	base
	proc      *process.SubProcess
	out       *process.PipeEnd
	cmdline   string
	directCmd string
}

// NewProcess returns a provider running cmdline through /bin/sh.
func NewProcess(cmdline string) *Process { return &Process{cmdline: cmdline} }

// SetDirectCommand enables SaveDirectly with the given command line.
func (p *Process) SetDirectCommand(cmdline string) { p.directCmd = cmdline }

func (p *Process) Prepare() error {
	if p.proc != nil {
		return process.ErrAlreadySpawned
	}
	proc := process.New()
	proc.SetPipeDirection(unix.Stdout, process.ChildToParent)
	if err := proc.Spawn("/bin/sh", "-c", p.cmdline); err != nil {
		return fmt.Errorf("start %q: %w", p.cmdline, err)
	}
	p.proc, p.out, p.ended = proc, proc.PipeFD(unix.Stdout), false
	slog.Debug("dump command started", "command", p.cmdline, "pid", proc.Pid())
	return nil
}

func (p *Process) GetData(buf []byte) (int, error) {
	if p.proc == nil {
		return 0, fmt.Errorf("%q: %w", p.cmdline, ErrNotPrepared)
	}
	return p.next(func() (int, error) {
		n, err := io.ReadFull(p.out, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("read from %q: %w", p.cmdline, err)
		}
		return n, err
	})
}

// Finish reaps the command. After a successful transfer a non-zero exit
// status is an error; after a failed one the command is terminated and its
// status ignored.
func (p *Process) Finish() error {
	if p.proc == nil {
		return nil
	}
	proc := p.proc
	p.proc, p.out = nil, nil

	if p.Failed() {
		slog.Debug("terminating dump command after failed transfer", "command", p.cmdline)
		return proc.Close()
	}

	if err := proc.ClosePipe(unix.Stdout); err != nil {
		_ = proc.Close()
		return err
	}
	status, err := proc.Wait()
	if err != nil {
		return err
	}
	if err := proc.Close(); err != nil {
		return err
	}
	return process.CheckStatus(p.cmdline, status)
}

func (p *Process) CanSaveDirectly() bool { return p.directCmd != "" }

// SaveDirectly runs the direct command with targets appended. Its standard
// output and standard error go to the kdump-save process's standard error.
func (p *Process) SaveDirectly(targets []string) error {
	if p.directCmd == "" {
		return ErrNoDirectSave
	}
	cmdline := p.directCmd
	if len(targets) > 0 {
		cmdline += " " + process.ShellJoin(targets...)
	}
	slog.Info("saving dump directly", "command", cmdline)

	proc := process.New()
	proc.SetRedirection(unix.Stdout, os.Stderr)
	if err := proc.Spawn("/bin/sh", "-c", cmdline); err != nil {
		return fmt.Errorf("start %q: %w", cmdline, err)
	}
	status, err := proc.Wait()
	if cerr := proc.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return err
	}
	return process.CheckStatus(cmdline, status)
}
