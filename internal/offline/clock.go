package offline

import "time"

// Clock supplies wall-clock time. Injected so tests can control backoff
// windows, retention and lastModified comparisons.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
