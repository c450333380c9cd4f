package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/cancel"
)

// RetryConfig controls stage-level retries. Attempts are spaced by a fixed
// delay that wakes early when the run is cancelled.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// Delay is the pause between attempts. Default: 5s.
	Delay time.Duration

	// ShouldRetry optionally overrides the default check, which retries
	// every error except permanent and cancellation errors.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig mirrors the pipeline defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       5 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or runs out
// of attempts. A nil token disables cancellation checks.
func Do(ctx context.Context, tok *cancel.Token, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, tok, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is like Do but preserves the value of the successful call.
func DoVal[T any](ctx context.Context, tok *cancel.Token, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = defaultShouldRetry
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := tokenErr(tok); err != nil {
			return zero, err
		}
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || cancel.IsCancelled(err) || !shouldRetry(err) {
			return zero, lastErr
		}
		if attempt >= cfg.MaxAttempts-1 {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}
		if !sleep(ctx, tok, cfg.Delay) {
			if err := tokenErr(tok); err != nil {
				return zero, err
			}
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func defaultShouldRetry(err error) bool {
	return !IsPermanent(err)
}

func tokenErr(tok *cancel.Token) error {
	if tok == nil {
		return nil
	}
	return tok.Err()
}

// sleep waits for d and returns false if interrupted by ctx or tok.
func sleep(ctx context.Context, tok *cancel.Token, d time.Duration) bool {
	var tokDone <-chan struct{}
	if tok != nil {
		tokDone = tok.Done()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tokDone:
		return false
	case <-timer.C:
		return true
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return cfg
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(runID, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("run_id", runID),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("error_class", ClassifyError(err)),
			zap.Error(err),
		)
	}
}
