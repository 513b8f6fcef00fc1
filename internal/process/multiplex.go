//go:build unix

package process

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Multiplexer waits for readiness on a set of descriptors with poll(2).
// Entries are never removed; Deactivate turns an entry inert so that the
// indices returned by Add stay valid.
type Multiplexer struct {
	fds    []unix.PollFd
	active int
}

// Add registers fd with the given poll event mask and returns its index.
func (m *Multiplexer) Add(fd int, events int16) int {
	if fd >= 0 {
		m.active++
	}
	m.fds = append(m.fds, unix.PollFd{Fd: int32(fd), Events: events}) //nolint:gosec // G115: descriptors fit in int32
	return len(m.fds) - 1
}

// Deactivate stops monitoring the entry at idx.
func (m *Multiplexer) Deactivate(idx int) {
	if m.fds[idx].Fd >= 0 {
		m.active--
	}
	m.fds[idx].Fd = -1
	m.fds[idx].Revents = 0
}

// Active returns the number of entries still being monitored.
func (m *Multiplexer) Active() int { return m.active }

// Revents returns the events reported for idx by the last Monitor call.
func (m *Multiplexer) Revents(idx int) int16 { return m.fds[idx].Revents }

// Monitor blocks until at least one active entry is ready or timeout
// elapses. A negative timeout waits forever. It returns the number of ready
// entries, zero on timeout.
func (m *Multiplexer) Monitor(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	for {
		n, err := unix.Poll(m.fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: %w", err)
		}
		return n, nil
	}
}
