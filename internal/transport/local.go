package transport

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
	"github.com/bamsammich/kdump-save/internal/platform"
)

// ErrVerifyMismatch is returned when a written file does not hash to the
// digest of the streamed bytes.
var ErrVerifyMismatch = errors.New("written file does not match streamed data")

// LocalTransfer writes dumps into local directories. It is also the back
// half of the NFS and CIFS strategies, which point it at their mountpoint.
type LocalTransfer struct {
	log        *slog.Logger
	dirs       []string
	bufferSize int
	verify     bool
}

func newLocalTransfer(dirs []string, opts Options, log *slog.Logger) *LocalTransfer {
	return &LocalTransfer{log: log, dirs: dirs, bufferSize: opts.BufferSize, verify: opts.Verify}
}

// Perform saves the dump into each target. A provider that can save
// directly is handed all target paths at once.
func (t *LocalTransfer) Perform(dp dataprovider.DataProvider, targets []string) (Result, error) {
	if len(targets) == 0 {
		return Result{}, ErrNoTargets
	}
	for _, dir := range t.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create dump directory: %w", err)
		}
	}
	paths := placeTargets(t.dirs, targets)

	if dp.CanSaveDirectly() {
		t.log.Info("data source saves directly", "files", paths)
		if err := dp.SaveDirectly(paths); err != nil {
			dp.SetError(true)
			return Result{}, fmt.Errorf("direct save: %w", err)
		}
		res := Result{DirectSave: true}
		for _, p := range paths {
			res.add(FileResult{Path: p})
		}
		return res, nil
	}

	var res Result
	for _, p := range paths {
		fr, err := t.writeFile(dp, p)
		if err != nil {
			return res, err
		}
		res.add(fr)
	}
	return res, nil
}

func (t *LocalTransfer) chunkSize(dir string) int {
	if t.bufferSize > 0 {
		return t.bufferSize
	}
	bs, err := platform.BlockSize(dir)
	if err != nil {
		t.log.Debug("block size unknown, using default", "dir", dir, "error", err)
		return DefaultBufferSize
	}
	return bs
}

func (t *LocalTransfer) writeFile(dp dataprovider.DataProvider, p string) (FileResult, error) {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return FileResult{}, fmt.Errorf("open dump file: %w", err)
	}

	size := t.chunkSize(filepath.Dir(p))
	w := newSparseWriter(f, size)
	m := newMeter()
	buf := make([]byte, size)

	err = session(dp, func() error {
		if err := copyChunks(dp, buf, m, w.write); err != nil {
			return err
		}
		return w.finish()
	})
	if err == nil {
		t.logLayout(f, w.size())
	}
	if cerr := f.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close %s: %w", p, cerr))
	}
	if err != nil {
		return FileResult{}, err
	}

	fr := m.file(p)
	if t.verify {
		got, err := HashFile(p)
		if err != nil {
			return FileResult{}, err
		}
		if got != fr.Digest {
			return FileResult{}, fmt.Errorf("%w: %s has %s, streamed %s", ErrVerifyMismatch, p, got, fr.Digest)
		}
	}
	t.log.Info("dump file written", "path", p, "size", humanize.IBytes(uint64(fr.Bytes))) //nolint:gosec // G115: size is non-negative
	return fr, nil
}

func (t *LocalTransfer) logLayout(f *os.File, size int64) {
	segments, err := platform.DataSegments(f, size)
	if err != nil {
		return
	}
	t.log.Debug("dump file layout",
		"path", f.Name(),
		"allocated", humanize.IBytes(uint64(platform.DataBytes(segments))), //nolint:gosec // G115: non-negative
		"segments", len(segments))
}

// Close is a no-op; local destinations hold no long-lived resources.
func (*LocalTransfer) Close() error { return nil }

// sparseWriter writes a chunked stream to f, seeking over chunks that are
// entirely zero instead of writing them. finish fixes up the file length
// when the stream ended inside a skipped region.
type sparseWriter struct {
	f       *os.File
	zero    []byte
	off     int64
	skipped bool
}

func newSparseWriter(f *os.File, chunk int) *sparseWriter {
	return &sparseWriter{f: f, zero: make([]byte, chunk)}
}

func (w *sparseWriter) write(p []byte) error {
	if len(p) == len(w.zero) && bytes.Equal(p, w.zero) {
		if _, err := w.f.Seek(int64(len(p)), io.SeekCurrent); err != nil {
			return fmt.Errorf("seek %s: %w", w.f.Name(), err)
		}
		w.off += int64(len(p))
		w.skipped = true
		return nil
	}
	if _, err := w.f.Write(p); err != nil {
		return fmt.Errorf("write %s: %w", w.f.Name(), err)
	}
	w.off += int64(len(p))
	w.skipped = false
	return nil
}

func (w *sparseWriter) finish() error {
	if !w.skipped {
		return nil
	}
	if err := w.f.Truncate(w.off); err != nil {
		return fmt.Errorf("truncate %s: %w", w.f.Name(), err)
	}
	return nil
}

func (w *sparseWriter) size() int64 { return w.off }

// HashFile computes the BLAKE3 hash of the file at path, returning the
// hex-encoded digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
