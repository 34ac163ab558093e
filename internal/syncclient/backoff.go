package syncclient

import (
	"context"
	"time"
)

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 5
)

// Backoff schedules reconnect attempts: the delay doubles from BaseDelay up to MaxDelay, and
// at most MaxAttempts consecutive reconnects are made before giving up.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	attempts int
}

// DefaultBackoff returns the 1s/30s/5-attempt schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		MaxAttempts: defaultMaxAttempts,
	}
}

// Next returns the delay before the next reconnect, or false once the attempts are spent.
func (b *Backoff) Next() (time.Duration, bool) {
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if b.attempts >= maxAttempts {
		return 0, false
	}
	delay := b.delay(b.attempts)
	b.attempts++
	return delay, true
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of reconnects scheduled since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

func (b *Backoff) delay(attempt int) time.Duration {
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	delay := b.BaseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
