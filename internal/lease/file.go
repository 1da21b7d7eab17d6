package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// File is a lease backed by an advisory lock on a file. The kernel drops
// the lock when the holder exits, so a crashed tick never wedges the loop.
type File struct {
	path string
	log  *slog.Logger
}

// FileOption configures a File lease.
type FileOption func(*File)

// WithFileLogger sets the logger for holder info diagnostics.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(f *File) {
		if l != nil {
			f.log = l
		}
	}
}

// NewFile creates a file lease at path.
func NewFile(path string, opts ...FileOption) *File {
	l := &File{path: path, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *File) Name() string { return "file:" + l.path }

// Close is a no-op; the lock file is only open while the lease is held.
func (l *File) Close() error { return nil }

// Acquire takes the lock without blocking.
func (l *File) Acquire(ctx context.Context) (Release, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return nil, fmt.Errorf("create lease directory: %w", err)
	}
	// #nosec G304 - path comes from configuration
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lease file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Holder info is advisory; a failed write does not give up the lock.
	if err := writeInfo(f, newInfo(uuid.NewString())); err != nil {
		l.log.Debug("lease holder info not written", "path", l.path, "error", err)
	}

	var once sync.Once
	return func(context.Context) error {
		var err error
		once.Do(func() {
			err = flockUnlock(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		})
		return err
	}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lease file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind lease file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(info); err != nil {
		return fmt.Errorf("write lease holder info: %w", err)
	}
	return nil
}

// ReadInfo returns the holder info last written to a lease file.
func ReadInfo(path string) (*Info, error) {
	// #nosec G304 - path comes from configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lease file: %w", err)
	}
	return &info, nil
}
