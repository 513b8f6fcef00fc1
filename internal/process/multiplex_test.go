//go:build unix

package process_test

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/kdump-save/internal/process"
)

func TestMultiplexer_Timeout(t *testing.T) {
	t.Parallel()

	r, w, err := process.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var mux process.Multiplexer
	idx := mux.Add(r.Fd(), unix.POLLIN)

	start := time.Now()
	n, err := mux.Monitor(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Zero(t, mux.Revents(idx))
}

func TestMultiplexer_ReadReady(t *testing.T) {
	t.Parallel()

	r, w, err := process.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var mux process.Multiplexer
	idle := mux.Add(-1, unix.POLLIN)
	ready := mux.Add(r.Fd(), unix.POLLIN)
	assert.Equal(t, 0, idle)
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, mux.Active())

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	n, err := mux.Monitor(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotZero(t, mux.Revents(ready)&unix.POLLIN)
}

func TestMultiplexer_DeactivateKeepsIndices(t *testing.T) {
	t.Parallel()

	r1, w1, err := process.Pipe()
	require.NoError(t, err)
	defer r1.Close()
	defer w1.Close()
	r2, w2, err := process.Pipe()
	require.NoError(t, err)
	defer r2.Close()
	defer w2.Close()

	var mux process.Multiplexer
	first := mux.Add(r1.Fd(), unix.POLLIN)
	second := mux.Add(r2.Fd(), unix.POLLIN)
	assert.Equal(t, 2, mux.Active())

	_, err = w1.Write([]byte("a"))
	require.NoError(t, err)
	_, err = w2.Write([]byte("b"))
	require.NoError(t, err)

	mux.Deactivate(first)
	assert.Equal(t, 1, mux.Active())

	n, err := mux.Monitor(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, mux.Revents(first))
	assert.NotZero(t, mux.Revents(second)&unix.POLLIN)

	// Deactivating twice does not underflow the active count.
	mux.Deactivate(first)
	assert.Equal(t, 1, mux.Active())
}

func TestPipeEnd_NonblockingWrite(t *testing.T) {
	t.Parallel()

	r, w, err := process.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, w.SetNonblock(true))

	// Fill the pipe until the kernel refuses more data.
	chunk := make([]byte, 64*1024)
	var total int
	for range 64 {
		n, err := w.Write(chunk)
		total += n
		if err != nil {
			assert.ErrorIs(t, err, unix.EAGAIN)
			break
		}
	}
	assert.Positive(t, total)

	var mux process.Multiplexer
	idx := mux.Add(w.Fd(), unix.POLLOUT)
	n, err := mux.Monitor(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a full pipe must not report POLLOUT")
	assert.Zero(t, mux.Revents(idx))
}

func TestPipeEnd_CloseIdempotent(t *testing.T) {
	t.Parallel()

	r, w, err := process.Pipe()
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, -1, w.Fd())

	_, err = w.Write([]byte("x"))
	assert.Error(t, err)

	buf := make([]byte, 1)
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, r.Close())
}
