//go:build unix

package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/unix"
)

// Output holds what a program wrote while run by Run.
type Output struct {
	Stdout []byte
	Stderr []byte
	Status int
}

// Run executes name with args, collects its standard output and standard
// error through pipes, and waits for it to exit. Both pipes are drained
// concurrently so that a chatty child cannot block on a full pipe.
// A non-zero exit status is returned as an *ExitError alongside the output.
func Run(name string, args ...string) (Output, error) {
	p := New()
	p.SetPipeDirection(unix.Stdout, ChildToParent)
	p.SetPipeDirection(unix.Stderr, ChildToParent)
	if err := p.Spawn(name, args...); err != nil {
		return Output{}, err
	}
	defer p.Close()

	var stdout, stderr bytes.Buffer
	if err := drain(p, map[int]*bytes.Buffer{unix.Stdout: &stdout, unix.Stderr: &stderr}); err != nil {
		return Output{}, err
	}

	status, err := p.Wait()
	if err != nil {
		return Output{}, err
	}

	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Status: status}
	if status != 0 {
		return out, &ExitError{
			Program: name,
			Status:  status,
			Stderr:  strings.TrimSpace(stderr.String()),
		}
	}
	return out, nil
}

func drain(p *SubProcess, sinks map[int]*bytes.Buffer) error {
	var mux Multiplexer
	idx := make(map[int]int, len(sinks))
	for fd := range sinks {
		idx[fd] = mux.Add(p.PipeFD(fd).Fd(), unix.POLLIN)
	}

	buf := make([]byte, 4096)
	for mux.Active() > 0 {
		if _, err := mux.Monitor(-1); err != nil {
			return err
		}
		for fd, sink := range sinks {
			i := idx[fd]
			if mux.Revents(i)&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			n, err := p.PipeFD(fd).Read(buf)
			sink.Write(buf[:n])
			if errors.Is(err, io.EOF) {
				mux.Deactivate(i)
				_ = p.ClosePipe(fd)
				continue
			}
			if err != nil {
				return fmt.Errorf("read fd %d of child: %w", fd, err)
			}
		}
	}
	return nil
}
