// Package logging configures the process-wide slog logger: human-readable
// records on stderr and, optionally, JSON records in a rotated log file.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destinations.
type Options struct {
	Stderr  io.Writer
	File    string // JSON log file; empty disables it
	MaxSize int    // megabytes before the file is rotated
	Verbose bool
	Quiet   bool
}

// Level maps the verbosity flags to a slog level.
func (o Options) Level() slog.Level {
	switch {
	case o.Verbose:
		return slog.LevelDebug
	case o.Quiet:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// New builds a logger for opts. The returned closer flushes and closes the
// log file and must be called before exit.
func New(opts Options) (*slog.Logger, io.Closer) {
	var handler slog.Handler = slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{
		Level: opts.Level(),
	})
	if opts.File == "" {
		return slog.New(handler), nopCloser{}
	}

	lf := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    max(opts.MaxSize, 1),
		MaxBackups: 3,
	}
	jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewMultiHandler(handler, jsonHandler)), lf
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// MultiHandler fans records out to several handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled reports whether any handler accepts level.
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

//nolint:ireturn // slog.Handler contract
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: hs}
}

//nolint:ireturn // slog.Handler contract
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: hs}
}
