// Package retry runs transport-level operations, such as establishing a
// peer connection, with exponential backoff.
//
// Only errors explicitly marked with Retryable are retried; anything else
// ends the loop at once, so a peer that answers "forbidden" is not asked
// again.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config is a backoff policy. MaxAttempts 0 retries until ctx is done.
type Config struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the wait, 0-1
}

// DefaultConfig is the policy used when dialing peers.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// RetryableError marks Err as worth another attempt.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as retryable. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable reports whether err carries the retryable marker.
func IsRetryable(err error) bool {
	var r RetryableError
	return errors.As(err, &r)
}

// Backoff is the wait after the given failed attempt (1-based).
func (cfg Config) Backoff(attempt int) time.Duration {
	wait := math.Min(float64(cfg.InitialWait)*math.Pow(cfg.Multiplier, float64(attempt-1)), float64(cfg.MaxWait))
	if cfg.Jitter > 0 {
		wait *= 1 + cfg.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(wait)
}

func (cfg Config) exhausted(attempt int) bool {
	return cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts
}

// Do calls fn until it succeeds or returns an unmarked error, the
// attempts run out, or ctx is done. The final error is returned without
// its retryable marker.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		var marked RetryableError
		if err == nil || !errors.As(err, &marked) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.exhausted(attempt) {
			return marked.Err
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
