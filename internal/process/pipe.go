//go:build unix

package process

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// PipeEnd is an owned pipe descriptor. Exactly one PipeEnd refers to a given
// descriptor; Close releases it and is safe to call more than once.
type PipeEnd struct {
	name string
	fd   int
}

// Pipe creates a close-on-exec pipe and returns its read and write ends.
func Pipe() (r, w *PipeEnd, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("pipe2: %w", err)
	}
	return &PipeEnd{fd: fds[0], name: "pipe:r"}, &PipeEnd{fd: fds[1], name: "pipe:w"}, nil
}

// Fd returns the raw descriptor, or -1 once closed.
func (p *PipeEnd) Fd() int { return p.fd }

func (p *PipeEnd) String() string { return fmt.Sprintf("%s(%d)", p.name, p.fd) }

// SetNonblock switches the descriptor between blocking and non-blocking mode.
// In non-blocking mode Read and Write return unix.EAGAIN instead of waiting.
func (p *PipeEnd) SetNonblock(nonblocking bool) error {
	if p.fd < 0 {
		return errPipeClosed
	}
	if err := unix.SetNonblock(p.fd, nonblocking); err != nil {
		return fmt.Errorf("set nonblock on %s: %w", p, err)
	}
	return nil
}

// Read reads from the pipe. A zero-length read at end of file returns io.EOF.
func (p *PipeEnd) Read(b []byte) (int, error) {
	if p.fd < 0 {
		return 0, errPipeClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(p.fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes all of b unless an error occurs. In non-blocking mode a full
// pipe yields a short count together with unix.EAGAIN.
func (p *PipeEnd) Write(b []byte) (int, error) {
	if p.fd < 0 {
		return 0, errPipeClosed
	}
	written := 0
	for written < len(b) {
		n, err := unix.Write(p.fd, b[written:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Close closes the descriptor.
func (p *PipeEnd) Close() error {
	if p == nil || p.fd < 0 {
		return nil
	}
	fd := p.fd
	p.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close %s(%d): %w", p.name, fd, err)
	}
	return nil
}

// release gives up ownership of the descriptor without closing it.
func (p *PipeEnd) release() int {
	fd := p.fd
	p.fd = -1
	return fd
}

var errPipeClosed = errors.New("pipe already closed")
