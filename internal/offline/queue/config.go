package queue

import "time"

// Config holds the retry policy shared by every recorder.
type Config struct {
	// MaxRetries is how many failed attempts a mutation survives before it
	// is marked dead.
	MaxRetries int

	// InitialBackoff is the wait after the first failure. It doubles on
	// every further failure up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// InFlightTimeout is how long a mutation may stay in flight before it
	// is treated as interrupted.
	InFlightTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialBackoff:  5 * time.Second,
		MaxBackoff:      5 * time.Minute,
		InFlightTimeout: 10 * time.Minute,
	}
}

// Backoff returns the wait after the n-th failure.
func (c Config) Backoff(n int) time.Duration {
	if n <= 0 || c.InitialBackoff <= 0 {
		return 0
	}
	d := c.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
