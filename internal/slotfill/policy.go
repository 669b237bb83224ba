package slotfill

import "time"

// Policy holds the slot-filling limits.
type Policy struct {
	// MaxClarifications is how many clarification questions one conversation
	// may ask before it fails.
	MaxClarifications int
	// ConfidenceThreshold is the lowest classification confidence accepted
	// for a conversation that has no job type yet.
	ConfidenceThreshold float64
	MaxAttempts         int
	RetryBase           time.Duration
	// Deadline bounds one classification including its retries.
	Deadline   time.Duration
	ContextTTL time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxClarifications:   3,
		ConfidenceThreshold: 0.6,
		MaxAttempts:         3,
		RetryBase:           500 * time.Millisecond,
		Deadline:            20 * time.Second,
		ContextTTL:          30 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxClarifications <= 0 {
		p.MaxClarifications = d.MaxClarifications
	}
	if p.ConfidenceThreshold <= 0 || p.ConfidenceThreshold > 1 {
		p.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RetryBase < 0 {
		p.RetryBase = d.RetryBase
	}
	if p.Deadline <= 0 {
		p.Deadline = d.Deadline
	}
	if p.ContextTTL <= 0 {
		p.ContextTTL = d.ContextTTL
	}
	return p
}
