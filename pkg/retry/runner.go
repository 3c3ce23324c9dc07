// Package retry runs operations and external commands with retries and
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff"
)

// Config controls retry behavior
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultConfig returns sensible retry defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Permanent wraps err so that Do gives up without further attempts. Do
// returns the wrapped error itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Runner executes operations with retry logic
type Runner struct {
	config Config
}

// NewRunner creates a new retrying runner
func NewRunner(config Config) *Runner {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffFactor <= 1.0 {
		config.BackoffFactor = 2.0
	}
	return &Runner{config: config}
}

// Do calls op until it succeeds, returns a permanent error, the attempts are
// used up or ctx is done.
func (r *Runner) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return op(ctx)
	}, backoff.WithContext(r.backOff(), ctx))
	if err == nil {
		return nil
	}
	if attempts < r.config.MaxAttempts && ctx.Err() != nil {
		return fmt.Errorf("stopped after %d attempts: %w", attempts, ctx.Err())
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

// Output executes a command and returns its output, retrying on failure
func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out []byte
	err := r.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = exec.CommandContext(ctx, name, args...).Output()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", name, err)
	}
	return out, nil
}

// backOff builds the exponential schedule for one Do call.
func (r *Runner) backOff() backoff.BackOff {
	if r.config.MaxAttempts <= 1 {
		// WithMaxRetries treats zero as unlimited
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialDelay
	b.MaxInterval = r.config.MaxDelay
	b.Multiplier = r.config.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(r.config.MaxAttempts-1))
}
