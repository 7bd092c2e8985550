package session

import "time"

// Config holds the controller's timing policy.
type Config struct {
	// CheckInterval is how long a backend confirmation stays fresh, and the
	// period of background reconciliation.
	CheckInterval time.Duration
	// SessionTimeout is the inactivity limit.
	SessionTimeout time.Duration
	// MaxRetries bounds consecutive failed refresh attempts.
	MaxRetries         int
	HeartbeatInterval  time.Duration
	VisibilityDebounce time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      5 * time.Minute,
		SessionTimeout:     60 * time.Minute,
		MaxRetries:         3,
		HeartbeatInterval:  60 * time.Second,
		VisibilityDebounce: time.Second,
		BaseBackoff:        time.Second,
		MaxBackoff:         10 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// BaseBackoff doubled attempt times, capped at MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BaseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}
