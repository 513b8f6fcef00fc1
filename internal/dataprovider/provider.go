// Package dataprovider defines the pull-based byte producers that feed a
// dump transfer, and the concrete sources kdump-save can read from.
package dataprovider

import (
	"errors"
	"io"
)

// DataProvider produces the bytes of one dump.
//
// Prepare is called before the first GetData. GetData fills buf and returns
// the number of bytes stored; it returns 0 exactly once, at the end of the
// stream. Finish is called exactly once after streaming, whether or not it
// succeeded. A consumer that fails while streaming calls SetError(true)
// before Finish so the provider can abandon its source.
//
// A provider that can write its output straight to files reports
// CanSaveDirectly; SaveDirectly then replaces the whole
// Prepare/GetData/Finish cycle.
type DataProvider interface {
	Prepare() error
	GetData(buf []byte) (int, error)
	Finish() error
	CanSaveDirectly() bool
	SaveDirectly(targets []string) error
	SetError(failed bool)
}

var (
	// ErrNotPrepared is returned by GetData before Prepare or after Finish.
	ErrNotPrepared = errors.New("data provider not prepared")

	// ErrExhausted is returned by GetData once the end of stream was reported.
	ErrExhausted = errors.New("data provider already reached end of stream")

	// ErrNoDirectSave is returned by SaveDirectly on providers that cannot
	// write files themselves.
	ErrNoDirectSave = errors.New("data provider cannot save directly")
)

// base carries the state shared by all providers.
type base struct {
	failed bool
	ended  bool
}

func (b *base) SetError(failed bool) { b.failed = failed }

// Failed reports whether a consumer flagged the transfer as failed.
func (b *base) Failed() bool { return b.failed }

func (*base) CanSaveDirectly() bool { return false }

func (*base) SaveDirectly([]string) error { return ErrNoDirectSave }

// next enforces the end-of-stream rules around a raw read.
func (b *base) next(read func() (int, error)) (int, error) {
	if b.ended {
		return 0, ErrExhausted
	}
	n, err := read()
	if errors.Is(err, io.EOF) {
		if n == 0 {
			b.ended = true
		}
		return n, nil
	}
	if err != nil {
		// No further data after an error.
		b.ended = true
		return 0, err
	}
	if n == 0 {
		b.ended = true
	}
	return n, nil
}

// Reader adapts a prepared provider to io.Reader. Each Read pulls at most
// one chunk; the end of stream is reported as io.EOF.
type Reader struct {
	dp DataProvider
}

// NewReader returns an io.Reader over dp. The caller keeps responsibility
// for Prepare and Finish.
func NewReader(dp DataProvider) *Reader { return &Reader{dp: dp} }

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.dp.GetData(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
