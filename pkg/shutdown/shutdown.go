// Package shutdown tears down the daemon's outer layers in reverse start
// order once the supervisor has stopped.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/sandboxd/pkg/logging"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered shutdown functions once, last registered first
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	log     *logging.Logger
	once    sync.Once
	err     error
}

// New creates a manager whose steps share a total timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{timeout: timeout, log: logger}
}

// Register adds a named shutdown function. Functions run in reverse order
// (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Shutdown runs every step even if earlier ones fail and returns the joined
// errors. Later calls return the first call's result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		steps := append([]step(nil), m.steps...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			if err := s.fn(ctx); err != nil {
				m.log.Warn("shutdown step failed", map[string]interface{}{
					"step":  s.name,
					"error": err.Error(),
				})
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			m.log.Debug("shutdown step complete", map[string]interface{}{"step": s.name})
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// StopHTTPServer creates a shutdown function for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown function for an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}
