// Package logging builds the process logger.
//
// Output goes to stderr unless a file is configured, in which case it is
// written through a size-rotated lumberjack writer. The "auto" format uses
// text on a terminal and JSON everywhere else.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Formats
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Options configure New.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // auto, text, json
	File       string // empty logs to Stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Stderr is the destination when File is empty; nil means os.Stderr.
	Stderr io.Writer
}

// Logger is a slog.Logger with the writer it owns.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger from opts.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	var closer io.Closer
	isTerminal := false
	switch {
	case opts.File != "":
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w, closer = lj, lj
	case opts.Stderr != nil:
		w = opts.Stderr
	default:
		w = os.Stderr
		isTerminal = term.IsTerminal(int(os.Stderr.Fd()))
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch format := strings.ToLower(opts.Format); format {
	case FormatText:
		h = slog.NewTextHandler(w, hopts)
	case FormatJSON:
		h = slog.NewJSONHandler(w, hopts)
	case "", FormatAuto:
		if isTerminal {
			h = slog.NewTextHandler(w, hopts)
		} else {
			h = slog.NewJSONHandler(w, hopts)
		}
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return &Logger{Logger: slog.New(h), closer: closer}, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
