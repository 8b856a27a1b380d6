package remote

import (
	"context"
	"math/rand"
	"time"

	"github.com/tiendapos/possync/internal/offline"
)

// RetryConfig configures in-call retries of transient failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	// Default: 200ms
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	// Default: 5s
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each retry.
	// Default: 2.0
	Multiplier float64

	// Jitter adds ±Jitter randomness to each delay.
	// Default: 0.1
	Jitter float64

	// RetryIf decides whether an error is worth another attempt.
	// Default: only transient errors.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns a retry configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Retryer runs operations with exponential backoff.
type Retryer struct {
	config RetryConfig
}

// NewRetryer fills unset fields with defaults.
func NewRetryer(config RetryConfig) *Retryer {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = def.Jitter
	}
	if config.RetryIf == nil {
		config.RetryIf = func(err error) bool { return offline.KindOf(err) == offline.KindTransient }
	}
	return &Retryer{config: config}
}

// Do executes op until it succeeds, fails with a non-retryable error, runs
// out of attempts or ctx is done. It returns the last error and the number
// of attempts made.
func (r *Retryer) Do(ctx context.Context, op func() error) (int, error) {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return attempt, nil
		}
		if !r.config.RetryIf(lastErr) || attempt == r.config.MaxAttempts {
			return attempt, lastErr
		}

		select {
		case <-ctx.Done():
			return attempt, lastErr
		case <-time.After(r.jitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * r.config.Multiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}
	return r.config.MaxAttempts, lastErr
}

func (r *Retryer) jitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	spread := float64(d) * r.config.Jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}
