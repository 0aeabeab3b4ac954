package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RetryIf limits retries to matching errors. Nil retries everything.
	RetryIf func(error) bool
	OnRetry func(attempt uint, err error)
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Immediate retries without waiting, for collisions that a fresh attempt
// resolves on its own.
func Immediate(attempts uint, retryIf func(error) bool) Config {
	return Config{MaxAttempts: attempts, RetryIf: retryIf}
}

// Do executes a function with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.LastErrorOnly(true),
	}
	if cfg.InitialDelay > 0 {
		opts = append(opts,
			retry.Delay(cfg.InitialDelay),
			retry.MaxDelay(cfg.MaxDelay),
			retry.DelayType(retry.BackOffDelay),
		)
	} else {
		opts = append(opts, retry.Delay(0), retry.DelayType(retry.FixedDelay))
	}
	if cfg.RetryIf != nil {
		opts = append(opts, retry.RetryIf(cfg.RetryIf))
	}
	if cfg.OnRetry != nil {
		opts = append(opts, retry.OnRetry(retry.OnRetryFunc(cfg.OnRetry)))
	}
	return retry.Do(fn, opts...)
}

// DoWithResult executes a function with exponential backoff retry and returns a result
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// Unrecoverable marks err so Do stops immediately.
func Unrecoverable(err error) error {
	return retry.Unrecoverable(err)
}
