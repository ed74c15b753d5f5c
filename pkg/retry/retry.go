// Package retry runs idempotent operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // attempts after the first
	InitialBackoff time.Duration // delay before the first retry
	MaxBackoff     time.Duration // backoff cap
	Multiplier     float64       // growth factor per attempt
}

// DefaultConfig suits calls to a local sandbox daemon
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// permanentError stops Do from retrying
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn until it succeeds, returns a Permanent error, or the
// retries are exhausted.
func Do(ctx context.Context, config Config, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == config.MaxRetries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// IsRetryable reports whether err looks like a transient transport failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, retryable := range []string{
		"connection refused",
		"connection reset",
		"temporary failure",
		"broken pipe",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
