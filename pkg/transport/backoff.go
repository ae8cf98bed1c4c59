package transport

import "time"

// BackoffPolicy controls the reconnection schedule after an abnormal
// disconnect. Delays double per attempt from InitialDelay and are capped at
// MaxDelay; after MaxAttempts failures the client gives up.
type BackoffPolicy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	MaxAttempts  int           `json:"max_attempts"`
}

// DefaultBackoffPolicy returns the default reconnection schedule:
// 1s, 2s, 4s, 8s, 16s, then give up.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: time.Second,
		MaxDelay:     16 * time.Second,
		MaxAttempts:  5,
	}
}

// NextDelay returns the delay before reconnection attempt n (1-based).
// It returns a negative duration when n exceeds MaxAttempts.
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 || attempt > p.MaxAttempts {
		return -1
	}
	delay := p.InitialDelay << (attempt - 1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}
