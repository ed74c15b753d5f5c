// Package store keeps terminal workload results so finished workloads stay
// queryable after they are reaped.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/sandboxd/pkg/workload"
)

// ErrNotFound is returned for ids the store does not hold
var ErrNotFound = errors.New("result not found")

// Store holds terminal results, newest first
type Store interface {
	Put(ctx context.Context, r workload.Result) error
	Get(ctx context.Context, id string) (workload.Result, error)
	List(ctx context.Context, limit int) ([]workload.Result, error)
	Close() error
}

// Config selects and sizes a store
type Config struct {
	Driver     string // memory or sqlite
	Path       string // sqlite database file
	MaxEntries int    // 0 keeps everything
}

// Open returns the store named by cfg.Driver
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.MaxEntries), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, cfg.MaxEntries)
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
}
