package jobs

import "time"

// Policy is the single declaration of retry and priority behaviour.
type Policy struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ResumePriority int
}

// DefaultPolicy matches the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BackoffBase:    2 * time.Second,
		BackoffMax:     5 * time.Minute,
		ResumePriority: 1,
	}
}

// Backoff returns the delay before retry number attempt+1: the base delay
// doubled per previous attempt, capped at BackoffMax.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BackoffBase
	for i := 0; i < attempt; i++ {
		if d >= p.BackoffMax/2 {
			return p.BackoffMax
		}
		d *= 2
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}
