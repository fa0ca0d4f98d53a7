package net

import (
	"time"
)

// backoff hands out retry delays for one node under a BackoffCfg.
type backoff struct {
	cfg      BackoffCfg
	attempts int
	delay    time.Duration
}

func newBackoff(cfg BackoffCfg) *backoff {
	b := &backoff{cfg: cfg}
	b.Reset()
	return b
}

// Next returns the delay before the next attempt, or false once the policy
// allows no more attempts.
func (b *backoff) Next() (time.Duration, bool) {
	if b.cfg.MaxAttempts == 0 {
		return 0, false
	}
	if b.cfg.MaxAttempts > 0 && b.attempts >= b.cfg.MaxAttempts {
		return 0, false
	}
	b.attempts++

	d := b.delay
	if b.cfg.Multiplier > 1 {
		next := time.Duration(float64(b.delay) * b.cfg.Multiplier)
		if next < b.delay { // overflow
			next = b.delay
		}
		b.delay = next
	}
	if b.cfg.MaxDelay > 0 && b.delay > b.cfg.MaxDelay {
		b.delay = b.cfg.MaxDelay
	}
	if b.cfg.MaxDelay > 0 && d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	return d, true
}

// Reset starts the policy over after a successful attempt.
func (b *backoff) Reset() {
	b.attempts = 0
	b.delay = b.cfg.InitialDelay
}

// Attempts is the number of retries handed out since the last Reset.
func (b *backoff) Attempts() int {
	return b.attempts
}
