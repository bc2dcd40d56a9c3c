package model

import "time"

// Backoff is the requeue delay policy of a job:
// delay(attempt) = Base * 2^(attempt-1), never more than Cap.
type Backoff struct {
	Base time.Duration `json:"base"`
	Cap  time.Duration `json:"cap"`
}

// Delay returns how long a job waits before its next attempt after the
// given (1-based) attempt failed.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Cap > 0 && delay >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && delay > b.Cap {
		return b.Cap
	}
	return delay
}
