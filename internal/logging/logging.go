// Package logging builds the listener's slog logger: a colored console sink
// plus an optional append-only log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const consoleTimeFormat = "2006-01-02 15:04:05"

// Options configures New.
type Options struct {
	// Verbosity is 0 (errors), 1 (info) or 2 (debug).
	Verbosity int
	// File is appended to when set.
	File string
	// Console defaults to os.Stdout.
	Console io.Writer
}

// LevelFromVerbosity maps the listener's numeric log level onto slog levels.
func LevelFromVerbosity(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError
	case v == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// New returns the configured logger and a closer for the file sink.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := LevelFromVerbosity(opts.Verbosity)

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      level,
		TimeFormat: consoleTimeFormat,
		NoColor:    !isTerminal(console),
	})

	if opts.File == "" {
		return slog.New(consoleHandler), closerFunc(func() error { return nil }), nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	stamped := NewLineStamper(file)
	fileHandler := slog.NewTextHandler(stamped, &slog.HandlerOptions{
		Level: level,
		// the stamper already prefixes every line with a timestamp
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	logger := slog.New(NewFanoutHandler(consoleHandler, fileHandler))
	return logger, closerFunc(func() error {
		flushErr := stamped.Close()
		if err := file.Close(); err != nil {
			return err
		}
		return flushErr
	}), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
