package dataprovider

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
)

// File streams the contents of a file, typically /proc/vmcore or a copy of it.
type File struct {
	base
	f    *os.File
	path string
	size int64
	read int64
}

// NewFile returns a provider for the file at path. Nothing is opened until
// Prepare.
func NewFile(path string) *File { return &File{path: path} }

func (p *File) Prepare() error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", p.path, err)
	}
	p.f, p.size, p.read, p.ended = f, info.Size(), 0, false
	slog.Debug("reading dump file", "path", p.path, "size", humanize.IBytes(uint64(max(p.size, 0))))
	return nil
}

func (p *File) GetData(buf []byte) (int, error) {
	if p.f == nil {
		return 0, fmt.Errorf("%s: %w", p.path, ErrNotPrepared)
	}
	return p.next(func() (int, error) {
		n, err := io.ReadFull(p.f, buf)
		p.read += int64(n)
		if err == io.ErrUnexpectedEOF {
			err = nil
		}
		if err != nil && err != io.EOF {
			return n, fmt.Errorf("read %s: %w", p.path, err)
		}
		return n, err
	})
}

// Progress returns the bytes read so far and the file size taken at Prepare.
func (p *File) Progress() (done, total int64) { return p.read, p.size }

func (p *File) Finish() error {
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", p.path, err)
	}
	return nil
}
