package transport

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
)

// FTPTransfer uploads dumps with STOR. Each file gets its own control
// connection, so files round-robined to different servers are independent.
type FTPTransfer struct {
	log        *slog.Logger
	urls       []RootDirURL
	subdir     string
	opts       Options
	bufferSize int
}

func newFTPTransfer(urls []RootDirURL, subdir string, opts Options, log *slog.Logger) *FTPTransfer {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &FTPTransfer{log: log, urls: urls, subdir: subdir, opts: opts, bufferSize: size}
}

func (t *FTPTransfer) Perform(dp dataprovider.DataProvider, targets []string) (Result, error) {
	if len(targets) == 0 {
		return Result{}, ErrNoTargets
	}

	var res Result
	for i, name := range targets {
		u := t.urls[i%len(t.urls)]
		fr, err := t.upload(dp, u, name)
		if err != nil {
			return res, err
		}
		res.add(fr)
	}
	return res, nil
}

func (t *FTPTransfer) upload(dp dataprovider.DataProvider, u RootDirURL, name string) (FileResult, error) {
	conn, err := ftp.Dial(u.HostPort(), ftp.DialWithTimeout(t.opts.FTPTimeout))
	if err != nil {
		return FileResult{}, fmt.Errorf("connect to %s: %w", u.Redacted(), err)
	}
	defer func() {
		if qerr := conn.Quit(); qerr != nil {
			t.log.Debug("ftp quit failed", "error", qerr)
		}
	}()

	password := u.Password
	if password == "" && u.Username == defaultFTPUser {
		password = defaultFTPUser
	}
	if err := conn.Login(u.Username, password); err != nil {
		return FileResult{}, fmt.Errorf("ftp login to %s as %s: %w", u.Host, u.Username, err)
	}

	dir := path.Join(u.Path, t.subdir)
	if err := makeDirs(conn, dir); err != nil {
		return FileResult{}, err
	}

	target := path.Join(dir, name)
	m := newMeter()
	err = session(dp, func() error {
		src := &chunkReader{r: dataprovider.NewReader(dp), size: t.bufferSize}
		if err := conn.Stor(target, io.TeeReader(src, m)); err != nil {
			return fmt.Errorf("ftp upload %s: %w", target, err)
		}
		return nil
	})
	if err != nil {
		return FileResult{}, err
	}
	t.log.Info("dump file uploaded", "host", u.Host, "path", target, "bytes", m.n)
	return m.file(target), nil
}

// makeDirs creates dir and its ancestors. MKD failures are ignored because
// servers report existing directories inconsistently; the final CWD decides.
func makeDirs(conn *ftp.ServerConn, dir string) error {
	p := ""
	for _, c := range strings.Split(strings.Trim(dir, "/"), "/") {
		if c == "" {
			continue
		}
		p += "/" + c
		_ = conn.MakeDir(p)
	}
	if err := conn.ChangeDir(dir); err != nil {
		return fmt.Errorf("ftp create directory %s: %w", dir, err)
	}
	return nil
}

// chunkReader limits every Read to one provider chunk of the configured
// size, however large the caller's buffer is.
type chunkReader struct {
	r    io.Reader
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}

// Close is a no-op; connections are closed after each file.
func (*FTPTransfer) Close() error { return nil }
