// Package pool owns the database connection pools the sidecar hands out:
// the driver-neutral Pool/Conn/Rows contracts, the per-driver openers and
// the identity-keyed Registry that creates pools lazily and reaps idle ones.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPoolClosed is returned by Acquire on a pool that has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrPoolExhausted is returned by Acquire in WaitModeNoWait when every
	// connection slot is checked out.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrRegistryClosed is returned by GetOrCreate after CloseAll.
	ErrRegistryClosed = errors.New("pool registry is closed")
	// ErrUnknownDriver is returned when a target names an unsupported driver.
	ErrUnknownDriver = errors.New("unknown database driver")
	// ErrBadConnectString is returned when a connect string cannot be parsed
	// for the target's driver.
	ErrBadConnectString = errors.New("invalid connect string")
)

// WaitMode selects what Acquire does when every slot of a pool is busy.
type WaitMode string

const (
	// WaitModeWait blocks until a connection is released or ctx ends.
	WaitModeWait WaitMode = "wait"
	// WaitModeNoWait fails immediately with ErrPoolExhausted.
	WaitModeNoWait WaitMode = "nowait"
)

// ParseWaitMode parses a wait mode name.
func ParseWaitMode(s string) (WaitMode, error) {
	switch WaitMode(strings.ToLower(strings.TrimSpace(s))) {
	case WaitModeWait:
		return WaitModeWait, nil
	case WaitModeNoWait:
		return WaitModeNoWait, nil
	}
	return "", fmt.Errorf("invalid wait mode %q (expected %q or %q)", s, WaitModeWait, WaitModeNoWait)
}

// Config sizes every pool the process creates. It is fixed per process.
type Config struct {
	// Min connections opened eagerly when a pool is created.
	Min int
	// Max connections a pool may hold open at once.
	Max int
	// Increment is the number of connections opened each time a saturated
	// pool grows. Both underlying pool implementations grow one connection
	// per demand, so values above 1 only affect warm-up batching.
	Increment int
	// IdleTimeout closes connections idle inside a pool, and whole pools
	// idle in the registry.
	IdleTimeout time.Duration
	// ReapInterval is how often the registry scans for idle pools.
	ReapInterval time.Duration
	// WaitMode selects blocking or fail-fast acquisition.
	WaitMode WaitMode
}

// DefaultConfig returns the compiled-in pool sizing.
func DefaultConfig() Config {
	return Config{
		Min:          1,
		Max:          5,
		Increment:    1,
		IdleTimeout:  120 * time.Second,
		ReapInterval: 60 * time.Second,
		WaitMode:     WaitModeWait,
	}
}

// Normalize fills zero fields with defaults and clamps inconsistent bounds.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.Increment <= 0 {
		c.Increment = def.Increment
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = def.ReapInterval
	}
	if c.WaitMode == "" {
		c.WaitMode = def.WaitMode
	}
	return c
}

// Stats is a point-in-time view of a pool's occupancy.
type Stats struct {
	Busy int
	Open int
	Min  int
	Max  int
}

// Rows iterates the result of one statement. Values returns the current
// row's cells as driver-native values.
type Rows interface {
	Columns() []string
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// Conn is one checked-out connection. Release must be called exactly once;
// later calls are no-ops.
type Conn interface {
	Query(ctx context.Context, query string) (Rows, error)
	Release()
}

// Pool is a bounded set of live connections to one database target.
// Close is idempotent.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Stats() Stats
	Close() error
}

// OpenFunc opens a pool for a target.
type OpenFunc func(ctx context.Context, t Target, cfg Config) (Pool, error)
