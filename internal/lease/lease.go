// Package lease provides mutual exclusion between reconciliation ticks
// running in different processes or hosts. A tick that cannot take the
// lease is skipped, not queued.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held by another instance")

// Release gives a lease back. It is safe to call once.
type Release func(ctx context.Context) error

// Lease is a non-blocking exclusive lock.
type Lease interface {
	// Acquire takes the lease or returns ErrHeld.
	Acquire(ctx context.Context) (Release, error)
	// Name describes the lease for logs.
	Name() string
	// Close releases the lease's resources. A held lease must be released
	// first.
	Close() error
}

// Info is written into the lease so operators can see who holds it.
type Info struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func newInfo(token string) Info {
	host, _ := os.Hostname()
	return Info{PID: os.Getpid(), Host: host, Token: token, AcquiredAt: time.Now().UTC()}
}

// Config selects and configures a lease implementation.
type Config struct {
	Kind     string // "file", "redis" or "none"
	Path     string
	RedisURL string
	Key      string
	TTL      time.Duration
	Logger   *slog.Logger
}

// New builds the lease described by cfg.
func New(ctx context.Context, cfg Config) (Lease, error) {
	switch cfg.Kind {
	case "", "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("lease.path is required for a file lease")
		}
		return NewFile(cfg.Path, WithFileLogger(cfg.Logger)), nil
	case "redis":
		opts := []RedisOption{}
		if cfg.Key != "" {
			opts = append(opts, WithKey(cfg.Key))
		}
		if cfg.TTL > 0 {
			opts = append(opts, WithTTL(cfg.TTL))
		}
		return NewRedis(ctx, cfg.RedisURL, opts...)
	case "none":
		return None{}, nil
	}
	return nil, fmt.Errorf("unknown lease kind %q (want file, redis or none)", cfg.Kind)
}

// None is a lease that is always free, for single-instance deployments.
type None struct{}

func (None) Name() string { return "none" }

func (None) Close() error { return nil }

func (None) Acquire(context.Context) (Release, error) {
	return func(context.Context) error { return nil }, nil
}
