//go:build unix

// Package process spawns helper programs with explicit control over the
// child's file descriptors, and multiplexes I/O on the pipes it creates.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Direction selects which side of a pipe the parent keeps.
type Direction int

const (
	None          Direction = iota
	ParentToChild           // parent writes, child reads
	ChildToParent           // child writes, parent reads
)

func (d Direction) String() string {
	switch d {
	case None:
		return "none"
	case ParentToChild:
		return "parent-to-child"
	case ChildToParent:
		return "child-to-parent"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

var (
	// ErrNotSpawned is returned by operations that need a running child.
	ErrNotSpawned = errors.New("no subprocess spawned")

	// ErrAlreadySpawned is returned when Spawn is called while a child is live.
	ErrAlreadySpawned = errors.New("subprocess already spawned")
)

// ExitError reports a helper program that finished with a non-zero status.
type ExitError struct {
	Program string
	Stderr  string
	Status  int
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s failed with status %d", e.Program, e.Status)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// CheckStatus returns an *ExitError for a non-zero status.
func CheckStatus(program string, status int) error {
	if status == 0 {
		return nil
	}
	return &ExitError{Program: program, Status: status}
}

type pipeInfo struct {
	parent *PipeEnd
	child  *os.File
	dir    Direction
}

func (pi *pipeInfo) closeParent() error {
	err := pi.parent.Close()
	pi.parent = nil
	return err
}

func (pi *pipeInfo) closeChild() {
	if pi.child != nil {
		pi.child.Close()
		pi.child = nil
	}
}

// SubProcess owns one child process and the parent ends of its pipes.
//
// Before Spawn, each child descriptor of interest is declared either as a
// pipe (SetPipeDirection) or as a redirection to an existing file
// (SetRedirection). Descriptors 0-2 are inherited from the parent unless
// declared otherwise; every other descriptor is closed in the child.
type SubProcess struct {
	pipes      map[int]*pipeInfo
	redirs     map[int]*os.File
	proc       *os.Process
	name       string
	killSignal syscall.Signal
	pid        int
}

// New returns a SubProcess that sends SIGTERM to a live child on Close.
func New() *SubProcess {
	return &SubProcess{
		pipes:      make(map[int]*pipeInfo),
		redirs:     make(map[int]*os.File),
		killSignal: syscall.SIGTERM,
	}
}

// SetKillSignal changes the signal sent to a live child by Close.
func (p *SubProcess) SetKillSignal(sig syscall.Signal) { p.killSignal = sig }

// SetPipeDirection declares a pipe on child descriptor fd. Passing None
// removes the declaration and closes the parent end if one is open.
func (p *SubProcess) SetPipeDirection(fd int, dir Direction) {
	delete(p.redirs, fd)

	if pi, ok := p.pipes[fd]; ok {
		_ = pi.closeParent()
		pi.closeChild()
		if dir == None {
			delete(p.pipes, fd)
			return
		}
		pi.dir = dir
		return
	}
	if dir != None {
		p.pipes[fd] = &pipeInfo{dir: dir}
	}
}

// PipeDirection returns the declared direction for child descriptor fd.
func (p *SubProcess) PipeDirection(fd int) Direction {
	if pi, ok := p.pipes[fd]; ok {
		return pi.dir
	}
	return None
}

// SetRedirection makes child descriptor fd refer to f. The file is borrowed:
// the caller keeps ownership and must keep it open until Spawn returns.
// A nil f removes the redirection.
func (p *SubProcess) SetRedirection(fd int, f *os.File) {
	if pi, ok := p.pipes[fd]; ok {
		_ = pi.closeParent()
		pi.closeChild()
		delete(p.pipes, fd)
	}
	if f == nil {
		delete(p.redirs, fd)
		return
	}
	p.redirs[fd] = f
}

// PipeFD returns the parent end of the pipe declared on child descriptor fd,
// or nil if there is no open pipe for it.
func (p *SubProcess) PipeFD(fd int) *PipeEnd {
	if pi, ok := p.pipes[fd]; ok {
		return pi.parent
	}
	return nil
}

// ClosePipe closes the parent end of the pipe on child descriptor fd, for
// example to deliver EOF on the child's standard input.
func (p *SubProcess) ClosePipe(fd int) error {
	if pi, ok := p.pipes[fd]; ok {
		return pi.closeParent()
	}
	return nil
}

// Pid returns the PID of the live child, or 0.
func (p *SubProcess) Pid() int {
	if p.proc == nil {
		return 0
	}
	return p.pid
}

// Spawn starts name with args. The program is looked up in PATH unless it
// contains a slash.
func (p *SubProcess) Spawn(name string, args ...string) error {
	if p.proc != nil {
		return ErrAlreadySpawned
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", name, err)
	}

	if err := p.openPipes(); err != nil {
		p.closeAll()
		return err
	}

	files := p.childFiles()
	attr := &os.ProcAttr{
		Files: files,
		Sys:   &syscall.SysProcAttr{},
	}
	setPdeathsig(attr.Sys)

	slog.Debug("spawning subprocess", "program", name, "args", strings.Join(args, " "))

	proc, err := os.StartProcess(path, append([]string{name}, args...), attr)
	for _, pi := range p.pipes {
		pi.closeChild()
	}
	if err != nil {
		p.closeParents()
		return fmt.Errorf("spawn %s: %w", name, err)
	}

	p.proc = proc
	p.pid = proc.Pid
	p.name = name
	slog.Debug("forked child", "program", name, "pid", proc.Pid)
	return nil
}

func (p *SubProcess) openPipes() error {
	for fd, pi := range p.pipes {
		if pi.dir != ParentToChild && pi.dir != ChildToParent {
			return fmt.Errorf("invalid pipe direction for fd %d: %s", fd, pi.dir)
		}
		_ = pi.closeParent()
		pi.closeChild()

		r, w, err := Pipe()
		if err != nil {
			return fmt.Errorf("create pipe for fd %d: %w", fd, err)
		}
		var childEnd *PipeEnd
		if pi.dir == ParentToChild {
			pi.parent, childEnd = w, r
		} else {
			pi.parent, childEnd = r, w
		}
		pi.parent.name = fmt.Sprintf("fd%d:%s", fd, pi.dir)
		pi.child = os.NewFile(uintptr(childEnd.release()), fmt.Sprintf("child-fd%d", fd)) //nolint:gosec // G115: descriptor is non-negative
	}
	return nil
}

// childFiles builds the descriptor table for the child: index i becomes
// descriptor i in the child, nil entries are closed.
func (p *SubProcess) childFiles() []*os.File {
	highest := 2
	for fd := range p.pipes {
		highest = max(highest, fd)
	}
	for fd := range p.redirs {
		highest = max(highest, fd)
	}

	files := make([]*os.File, highest+1)
	files[0], files[1], files[2] = os.Stdin, os.Stdout, os.Stderr
	for fd, f := range p.redirs {
		files[fd] = f
	}
	for fd, pi := range p.pipes {
		files[fd] = pi.child
	}
	return files
}

// Kill sends sig to the child.
func (p *SubProcess) Kill(sig syscall.Signal) error {
	if p.proc == nil {
		return ErrNotSpawned
	}
	if err := p.proc.Signal(sig); err != nil {
		return fmt.Errorf("send %s to pid %d: %w", sig, p.pid, err)
	}
	return nil
}

// Wait blocks until the child exits and returns its exit status. A child
// killed by a signal reports 128 plus the signal number, like a shell.
func (p *SubProcess) Wait() (int, error) {
	if p.proc == nil {
		return -1, ErrNotSpawned
	}

	state, err := p.proc.Wait()
	p.proc = nil
	if err != nil {
		return -1, fmt.Errorf("wait for pid %d: %w", p.pid, err)
	}

	status := exitStatus(state)
	slog.Debug("subprocess exited", "program", p.name, "pid", p.pid, "status", status)
	return status, nil
}

func exitStatus(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// Close closes every parent pipe end and, if the child is still running,
// signals and reaps it so that no zombie outlives the SubProcess.
func (p *SubProcess) Close() error {
	err := p.closeParents()
	if p.proc == nil {
		return err
	}
	if kerr := p.proc.Signal(p.killSignal); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		err = errors.Join(err, fmt.Errorf("send %s to pid %d: %w", p.killSignal, p.pid, kerr))
	}
	if _, werr := p.Wait(); werr != nil {
		err = errors.Join(err, werr)
	}
	return err
}

func (p *SubProcess) closeParents() error {
	var err error
	for _, pi := range p.pipes {
		if cerr := pi.closeParent(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (p *SubProcess) closeAll() {
	_ = p.closeParents()
	for _, pi := range p.pipes {
		pi.closeChild()
	}
}
