package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/c360/querycache/errors"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = run once)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on any delay
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add up to 25% random delay

	// RetryIf reports whether err is worth another attempt. Defaults to
	// errors.IsTransient, so invalid and fatal errors stop immediately.
	RetryIf func(err error) bool
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Startup returns a config for connecting to dependencies while a node starts
func Startup() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

func (c Config) normalize() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "Do",
			fmt.Sprintf("negative backoff (initial %v, max %v, multiplier %v)", c.InitialDelay, c.MaxDelay, c.Multiplier))
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier > 1000 {
		c.Multiplier = 1000
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "Do",
			fmt.Sprintf("max delay %v below initial delay %v", c.MaxDelay, c.InitialDelay))
	}
	if c.RetryIf == nil {
		c.RetryIf = errors.IsTransient
	}
	return c, nil
}

// next returns the delay after d, capped at MaxDelay.
func (c Config) next(d time.Duration) time.Duration {
	n := float64(d) * c.Multiplier
	if n > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(n)
}

func (c Config) sleepFor(d time.Duration) time.Duration {
	if !c.AddJitter || d < 4 {
		return d
	}
	randMu.Lock()
	jitter := time.Duration(randSource.Int63n(int64(d / 4)))
	randMu.Unlock()
	return d + jitter
}

// Do runs fn until it succeeds, returns an error RetryIf rejects, runs out
// of attempts or ctx is done. The error of the last attempt is wrapped in
// the returned error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "retry", "Do", fmt.Sprintf("retry after attempt %d (%v)", attempt, lastErr))
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.sleepFor(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "retry", "Do", fmt.Sprintf("backoff after attempt %d (%v)", attempt, lastErr))
		case <-timer.C:
		}
		delay = cfg.next(delay)
	}

	return errors.Wrap(lastErr, "retry", "Do", fmt.Sprintf("%d attempts", cfg.MaxAttempts))
}

// DoWithResult runs fn like Do and returns the result of the successful attempt
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
